package reconciler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AckKind 设备应答分类（封闭枚举）
type AckKind int

const (
	// AckUnknown 无法识别的应答码，只计数与记录，不驱动状态
	AckUnknown AckKind = iota
	// AckDepositAccepted 放入被设备确认
	AckDepositAccepted
	// AckDepositRejected 放入被设备拒绝（未插好/电压温度异常/超时等）
	AckDepositRejected
	// AckCollectionAccepted 取出被设备确认
	AckCollectionAccepted
	// AckCollectionRejected 取出被设备拒绝
	AckCollectionRejected
	// AckChargeSafetyStop 充电安全停止（过温/过流）
	AckChargeSafetyStop
)

func (k AckKind) String() string {
	switch k {
	case AckDepositAccepted:
		return "deposit_accepted"
	case AckDepositRejected:
		return "deposit_rejected"
	case AckCollectionAccepted:
		return "collection_accepted"
	case AckCollectionRejected:
		return "collection_rejected"
	case AckChargeSafetyStop:
		return "charge_safety_stop"
	}
	return "unknown"
}

func kindFromName(name string) (AckKind, bool) {
	switch name {
	case "deposit_accepted":
		return AckDepositAccepted, true
	case "deposit_rejected":
		return AckDepositRejected, true
	case "collection_accepted":
		return AckCollectionAccepted, true
	case "collection_rejected":
		return AckCollectionRejected, true
	case "charge_safety_stop":
		return AckChargeSafetyStop, true
	}
	return AckUnknown, false
}

// ReasonMap 设备应答码 -> 应答分类 的映射。
// 内置常见码表，可用 yaml 文件覆盖/扩展（不同柜机固件的码表不一致）。
type ReasonMap struct {
	kinds map[string]AckKind
}

// DefaultReasonMap 内置码表
func DefaultReasonMap() *ReasonMap {
	return &ReasonMap{kinds: map[string]AckKind{
		"deposit_accepted":        AckDepositAccepted,
		"deposit_no_plug":         AckDepositRejected,
		"deposit_bad_voltage":     AckDepositRejected,
		"deposit_bad_temperature": AckDepositRejected,
		"deposit_door_open":       AckDepositRejected,
		"deposit_timeout":         AckDepositRejected,
		"collection_done":         AckCollectionAccepted,
		"collection_rejected":     AckCollectionRejected,
		"collection_timeout":      AckCollectionRejected,
		"charge_safety_stop":      AckChargeSafetyStop,
	}}
}

// LoadReasonMap 从 yaml 文件加载码表，并与内置码表合并（文件优先）。
// 文件格式：应答码 -> 分类名，例如
//
//	D001: deposit_no_plug
//	C000: collection_accepted
func LoadReasonMap(path string) (*ReasonMap, error) {
	rm := DefaultReasonMap()
	if path == "" {
		return rm, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ack reason map: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ack reason map: %w", err)
	}
	for code, name := range raw {
		kind, ok := kindFromName(name)
		if !ok {
			return nil, fmt.Errorf("ack reason map: unknown kind %q for code %q", name, code)
		}
		rm.kinds[code] = kind
	}
	return rm, nil
}

// Classify 把原始应答串映射到分类；未知返回 AckUnknown
func (rm *ReasonMap) Classify(ack string) AckKind {
	if kind, ok := rm.kinds[ack]; ok {
		return kind
	}
	return AckUnknown
}
