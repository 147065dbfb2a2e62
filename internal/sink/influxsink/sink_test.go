package influxsink

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct{ points []*write.Point }

func (c *capture) WritePoint(p *write.Point) { c.points = append(c.points, p) }

func fieldsOf(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagsOf(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tg := range p.TagList() {
		out[tg.Key] = tg.Value
	}
	return out
}

const touchline = `{"MessageCode":1501,"ExchangeSegment":1,"ExchangeInstrumentID":2885,
"ExchangeTimeStamp":1445000000,"Touchline":{"LastTradedPrice":2451.55,"LastTradedQunatity":10,
"Open":2440,"High":2460.1,"Low":2431,"Close":2438.2,"TotalTradedQuantity":123456,
"AverageTradedPrice":2447.3,"PercentChange":0.55,
"BidInfo":{"Price":2451.5,"Size":40},"AskInfo":{"Price":2451.6,"Size":12}}}`

func TestSink_Touchline(t *testing.T) {
	c := &capture{}
	newSink(c).Handle("1501-json-full", []byte(touchline))

	require.Len(t, c.points, 1)
	p := c.points[0]
	assert.Equal(t, "touchline", p.Name())
	assert.Equal(t, map[string]string{"segment": "1", "instrument": "2885"}, tagsOf(p))

	f := fieldsOf(p)
	assert.Equal(t, 2451.55, f["ltp"])
	assert.Equal(t, int64(10), f["ltq"])
	assert.Equal(t, int64(123456), f["v"])
	assert.Equal(t, 2451.5, f["bid"])
	assert.Equal(t, int64(12), f["ask_sz"])

	want := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC).Add(1445000000 * time.Second)
	assert.True(t, p.Time().Equal(want))
}

func TestSink_Candle(t *testing.T) {
	c := &capture{}
	newSink(c).Handle("1505-json-partial",
		[]byte(`{"ExchangeSegment":2,"ExchangeInstrumentID":35012,"BarTime":1445000060,"BarVolume":900,"OpenInterest":5,"Open":1,"High":2,"Low":0.5,"Close":1.5}`))

	require.Len(t, c.points, 1)
	assert.Equal(t, "kline", c.points[0].Name())
	assert.Equal(t, 1.5, fieldsOf(c.points[0])["c"])
	assert.Equal(t, "35012", tagsOf(c.points[0])["instrument"])
}

func TestSink_IgnoresOtherEventsAndGarbage(t *testing.T) {
	c := &capture{}
	s := newSink(c)
	s.Handle("joined", []byte("U1"))
	s.Handle("1502-json-full", []byte(`{}`))
	s.Handle("1501-json-full", []byte(`not json`))
	assert.Empty(t, c.points)
}
