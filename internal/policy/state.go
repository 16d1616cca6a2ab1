package policy

import "fmt"

// State 描述引擎生命周期阶段，对应一次部署的推进过程。
type State string

const (
	// StateInstalling 表示正在预取应用壳清单。
	StateInstalling State = "installing"
	// StateWaiting 表示安装完成、等待被提升为当前代次。
	StateWaiting State = "waiting"
	// StateActivating 表示正在清理过期代次。
	StateActivating State = "activating"
	// StateActive 表示引擎正在应答请求拦截。
	StateActive State = "active"
	// StateRedundant 表示引擎已被新代次取代或安装失败被废弃。
	StateRedundant State = "redundant"
)

// ErrNotActive 表示引擎尚未激活（或已废弃），不能应答拦截。
type ErrNotActive struct {
	Current State
}

func (e ErrNotActive) Error() string {
	return fmt.Sprintf("engine not active (state=%s)", e.Current)
}
