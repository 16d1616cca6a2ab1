package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// InterceptFields 提供代次/策略/命中状态字段，供请求拦截日志复用。
func InterceptFields(generation, strategy, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"strategy":   strategy,
		"path":       path,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 提供 install/activate 阶段日志的公共字段。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
