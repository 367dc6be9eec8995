package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Identity struct {
		// 本机离线模式（auth.path 为空）时使用的固定身份
		UserID   uint64 `mapstructure:"userId"`
		Username string `mapstructure:"username"`
	} `mapstructure:"identity"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		// 为空则退回内存存储（agent 不依赖远端也能跑）
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// brokers 为空则不导出事件
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Outbox struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"outbox"`
}
