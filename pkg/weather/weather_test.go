package weather

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	assert.True(t, Valid(0))
	assert.True(t, Valid(25.5))
	assert.True(t, Valid(-40))
	assert.False(t, Valid(-99))
	assert.False(t, Valid(-999))
	assert.False(t, Valid(math.NaN()))
}

func TestFeedDelivery(t *testing.T) {
	feed := NewFeed()

	// Publishing with no consumer is a no-op.
	feed.PublishWind(Wind{Speed: 1})

	var gotWind []Wind
	var gotCond []Conditions
	feed.Register(&Callbacks{
		OnWind:       func(w Wind) { gotWind = append(gotWind, w) },
		OnConditions: func(c Conditions) { gotCond = append(gotCond, c) },
		// The remaining handlers are nil and must be skipped.
	})

	feed.PublishWind(Wind{Speed: 3, Avg2M: 2.5})
	feed.PublishConditions(Conditions{Temperature: 10, Humidity: 60, Pressure: 101325})
	feed.PublishPrecipitation(Precipitation{PrSum1M: 1}) // nil handler
	feed.PublishSnowDepth(SnowDepth{Depth: 5})           // nil handler
	feed.PublishDewPoint(DewPoint{DewPoint: 2})          // nil handler
	feed.PublishWindDirection(Direction{Direction: 180}) // nil handler

	assert.Equal(t, []Wind{{Speed: 3, Avg2M: 2.5}}, gotWind)
	assert.Equal(t, []Conditions{{Temperature: 10, Humidity: 60, Pressure: 101325}}, gotCond)

	feed.Unregister()
	feed.PublishWind(Wind{Speed: 9})
	assert.Len(t, gotWind, 1, "no delivery after unregister")
}
