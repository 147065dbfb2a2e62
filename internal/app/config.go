package app

import (
	"fmt"
	"time"

	"marketfeed.com/internal/feed"
	"marketfeed.com/internal/schedule"
	"marketfeed.com/internal/sink/broker"
	"marketfeed.com/internal/sink/influxsink"
	"marketfeed.com/internal/sink/redisstream"
	"marketfeed.com/internal/xts/auth"
	"marketfeed.com/pkg/bootstrap"
	"marketfeed.com/pkg/xerr"
	"marketfeed.com/pkg/xredis"
)

// 总配置，对应 config/feed-client.yaml
type Config struct {
	Name      string                `mapstructure:"name"`
	Log       LogConfig             `mapstructure:"log"`
	Trace     TraceConfig           `mapstructure:"trace"`
	Session   feed.SessionConfig    `mapstructure:"session"`
	Reconnect feed.Policy           `mapstructure:"reconnect"`
	Decoder   DecoderConfig         `mapstructure:"decoder"`
	Auth      AuthConfig            `mapstructure:"auth"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Nats      NatsConfig            `mapstructure:"nats"`
	Stream    StreamConfig          `mapstructure:"redis_stream"`
	Influx    InfluxConfig          `mapstructure:"influx"`
	Schedule  schedule.Config       `mapstructure:"schedule"`
	Admin     AdminConfig           `mapstructure:"admin"`
	Sentinel  bootstrap.SentinelCfg `mapstructure:"sentinel"`
	QueueSize int                   `mapstructure:"queue_size"` // per sink
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type TraceConfig struct {
	Endpoint string `mapstructure:"endpoint"` // "" 关闭, "stdout" 打印到标准输出
}

type DecoderConfig struct {
	Name      string  `mapstructure:"name"` // raw | tagged | json | socketio
	RawEvent  string  `mapstructure:"raw_event"`
	ReadTrace float64 `mapstructure:"read_trace"` // sampled read spans per second

	// socketio only
	EngineIO     int           `mapstructure:"engineio"`      // 3: 客户端发 ping; 4: 服务端发 ping，客户端发 40
	SocketIOPath string        `mapstructure:"socketio_path"` // 空则由 session.base_url 推出
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// AuthConfig: 开启后 session.token/user_id 由登录接口获得
type AuthConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	auth.Config `mapstructure:",squash"`
}

type RedisConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	xredis.Config `mapstructure:",squash"`
	TokenKey      string      `mapstructure:"token_key"`
	Lease         LeaseConfig `mapstructure:"lease"`
}

// LeaseConfig keeps a second replica from opening the same user's session.
type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type NatsConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	broker.NatsConfig `mapstructure:",squash"`
	Prefix            string `mapstructure:"prefix"`
}

type StreamConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	redisstream.Config `mapstructure:",squash"`
}

type InfluxConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	influxsink.Config `mapstructure:",squash"`
}

type AdminConfig struct {
	Addr        string  `mapstructure:"addr"`
	RatePerIP   float64 `mapstructure:"rate_per_ip"`
	MetricsAddr string  `mapstructure:"metrics_addr"` // 独立 metrics 端口，可空
	PprofAddr   string  `mapstructure:"pprof_addr"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "feed-client"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Decoder.Name == "" {
		c.Decoder.Name = "socketio"
	}
	if c.Decoder.EngineIO == 0 {
		c.Decoder.EngineIO = 3
	}
	if c.Decoder.PingInterval <= 0 {
		c.Decoder.PingInterval = 25 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Redis.TokenKey == "" {
		c.Redis.TokenKey = "marketfeed:session"
	}
	if c.Redis.Lease.Key == "" {
		c.Redis.Lease.Key = "marketfeed:leader"
	}
	if c.Redis.Lease.TTL <= 0 {
		c.Redis.Lease.TTL = 15 * time.Second
	}
	if c.Schedule.Enabled {
		d := schedule.DefaultConfig()
		if c.Schedule.Open == "" {
			c.Schedule.Open = d.Open
		}
		if c.Schedule.Close == "" {
			c.Schedule.Close = d.Close
		}
		if c.Schedule.Timezone == "" {
			c.Schedule.Timezone = d.Timezone
		}
	}
}

// Validate 检查各组件之间的依赖关系，组件自身的字段由各自校验
func (c *Config) Validate() error {
	c.setDefaults()
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	sess := c.Session
	if c.Auth.Enabled {
		if c.Auth.BaseURL == "" {
			c.Auth.BaseURL = c.Session.BaseURL
		}
		if err := c.Auth.Config.Validate(); err != nil {
			return err
		}
		// 登录之后才有 token
		sess.Token, sess.UserID = "pending", "pending"
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	if c.Decoder.Name == "socketio" && c.Decoder.EngineIO != 3 && c.Decoder.EngineIO != 4 {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("decoder.engineio must be 3 or 4, got %d", c.Decoder.EngineIO))
	}
	if c.Stream.Enabled && !c.Redis.Enabled {
		return xerr.New(xerr.RequestParamsError, "redis_stream needs redis.enabled")
	}
	if c.Redis.Lease.Enabled && !c.Redis.Enabled {
		return xerr.New(xerr.RequestParamsError, "redis.lease needs redis.enabled")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return xerr.New(xerr.RequestParamsError, "nats.url is empty")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("influx: url and bucket required (%s)", c.Influx.Config))
	}
	return nil
}
