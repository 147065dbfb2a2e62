// Package influxsink writes touchline and candle events to InfluxDB.
package influxsink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"marketfeed.com/internal/xts"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/metrics"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	BatchSize     uint          `mapstructure:"batch_size"` // 建议从 1000~5000 起步
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	UseGzip       bool          `mapstructure:"use_gzip"`
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

// pointWriter is the slice of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
}

// Sink is a feed dispatcher. Events it does not know are ignored.
type Sink struct {
	client influxdb2.Client
	write  pointWriter
	errLog *rate.Limiter
}

func New(cfg Config) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 必须消费 Errors()，否则异步写入错误会阻塞
	go func() {
		for err := range w.Errors() {
			metrics.SinkWrites.WithLabelValues("influx", "error").Inc()
			logger.Warn(context.Background(), "influx write failed", zap.Error(err))
		}
	}()

	logger.Info(context.Background(), "influx sink ready", zap.Stringer("config", cfg))
	return &Sink{client: c, write: w, errLog: rate.NewLimiter(rate.Every(time.Second), 1)}
}

func newSink(w pointWriter) *Sink {
	return &Sink{write: w, errLog: rate.NewLimiter(rate.Every(time.Second), 1)}
}

// Close flushes buffered points.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Sink) Handle(eventType string, payload []byte) {
	code, _, ok := xts.ParseEvent(eventType)
	if !ok {
		return
	}

	var p *write.Point
	var err error
	switch code {
	case xts.Touchline:
		var t Touchline
		if err = json.Unmarshal(payload, &t); err == nil {
			p = t.Point()
		}
	case xts.CandleData:
		var b Bar
		if err = json.Unmarshal(payload, &b); err == nil {
			p = b.Point()
		}
	default:
		return
	}
	if err != nil {
		metrics.SinkWrites.WithLabelValues("influx", "decode_error").Inc()
		if s.errLog.Allow() {
			logger.Warn(context.Background(), "influx sink: bad payload", zap.String("event", eventType), zap.Error(err))
		}
		return
	}
	s.write.WritePoint(p)
	metrics.SinkWrites.WithLabelValues("influx", "ok").Inc()
}

// 交易所时间戳是从 1980-01-01 起的秒数
var exchangeEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func exchangeTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return exchangeEpoch.Add(time.Duration(sec) * time.Second)
}

type Quote struct {
	Price decimal.Decimal `json:"Price"`
	Size  int64           `json:"Size"`
}

// Touchline is the 1501 payload.
type Touchline struct {
	ExchangeSegment      int   `json:"ExchangeSegment"`
	ExchangeInstrumentID int64 `json:"ExchangeInstrumentID"`
	ExchangeTimeStamp    int64 `json:"ExchangeTimeStamp"`
	Touchline            struct {
		LastTradedPrice     decimal.Decimal `json:"LastTradedPrice"`
		LastTradedQunatity  int64           `json:"LastTradedQunatity"` // sic, gateway spelling
		Open                decimal.Decimal `json:"Open"`
		High                decimal.Decimal `json:"High"`
		Low                 decimal.Decimal `json:"Low"`
		Close               decimal.Decimal `json:"Close"`
		TotalTradedQuantity int64           `json:"TotalTradedQuantity"`
		AverageTradedPrice  decimal.Decimal `json:"AverageTradedPrice"`
		PercentChange       decimal.Decimal `json:"PercentChange"`
		BidInfo             Quote           `json:"BidInfo"`
		AskInfo             Quote           `json:"AskInfo"`
	} `json:"Touchline"`
}

func (t Touchline) Point() *write.Point {
	tl := t.Touchline
	return write.NewPoint("touchline",
		map[string]string{
			"segment":    strconv.Itoa(t.ExchangeSegment),
			"instrument": strconv.FormatInt(t.ExchangeInstrumentID, 10),
		},
		map[string]any{
			"ltp":    tl.LastTradedPrice.InexactFloat64(),
			"ltq":    tl.LastTradedQunatity,
			"o":      tl.Open.InexactFloat64(),
			"h":      tl.High.InexactFloat64(),
			"l":      tl.Low.InexactFloat64(),
			"c":      tl.Close.InexactFloat64(),
			"v":      tl.TotalTradedQuantity,
			"atp":    tl.AverageTradedPrice.InexactFloat64(),
			"chg":    tl.PercentChange.InexactFloat64(),
			"bid":    tl.BidInfo.Price.InexactFloat64(),
			"bid_sz": tl.BidInfo.Size,
			"ask":    tl.AskInfo.Price.InexactFloat64(),
			"ask_sz": tl.AskInfo.Size,
		},
		exchangeTime(t.ExchangeTimeStamp))
}

// Bar is the 1505 candle payload.
type Bar struct {
	ExchangeSegment      int             `json:"ExchangeSegment"`
	ExchangeInstrumentID int64           `json:"ExchangeInstrumentID"`
	BarTime              int64           `json:"BarTime"`
	BarVolume            int64           `json:"BarVolume"`
	OpenInterest         int64           `json:"OpenInterest"`
	Open                 decimal.Decimal `json:"Open"`
	High                 decimal.Decimal `json:"High"`
	Low                  decimal.Decimal `json:"Low"`
	Close                decimal.Decimal `json:"Close"`
}

func (b Bar) Point() *write.Point {
	return write.NewPoint("kline",
		map[string]string{
			"segment":    strconv.Itoa(b.ExchangeSegment),
			"instrument": strconv.FormatInt(b.ExchangeInstrumentID, 10),
			"interval":   "1m",
		},
		map[string]any{
			"o":  b.Open.InexactFloat64(),
			"h":  b.High.InexactFloat64(),
			"l":  b.Low.InexactFloat64(),
			"c":  b.Close.InexactFloat64(),
			"v":  b.BarVolume,
			"oi": b.OpenInterest,
		},
		exchangeTime(b.BarTime))
}
