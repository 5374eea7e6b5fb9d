package bus

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-trading/quarry/internal/solana"
)

const (
	testBase = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	testLP   = "58oQChx4yWmvKdwLLZzBi4ChoCc2fqCUWBkwMihLYQo2"
)

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNewBaseEvent_Populated(t *testing.T) {
	ev := NewBaseEvent("quarry-detector")

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "1.0.0", ev.SchemaVersion)
	assert.Equal(t, "quarry-detector", ev.Producer)
	assert.False(t, ev.Timestamp.IsZero())

	// Event IDs must differ per event.
	assert.NotEqual(t, ev.EventID, NewBaseEvent("quarry-detector").EventID)
}

func TestDecodePoolDetected(t *testing.T) {
	ev := PoolDetected{
		BaseEvent: NewBaseEvent("quarry-detector"),
		BaseMint:  solana.Pubkey(testBase),
		QuoteMint: solana.SOLMint,
		LPAddress: solana.Pubkey(testLP),
		DEX:       "raydium",
	}

	decoded, err := DecodePoolDetected(marshal(t, ev))
	require.NoError(t, err)
	assert.Equal(t, ev.BaseMint, decoded.BaseMint)
	assert.Equal(t, "raydium", decoded.DEX)
	assert.Equal(t, ev.EventID, decoded.EventID)
}

func TestDecodePoolDetected_RejectsMissingAddresses(t *testing.T) {
	ev := PoolDetected{BaseEvent: NewBaseEvent("quarry-detector"), DEX: "raydium"}

	_, err := DecodePoolDetected(marshal(t, ev))
	assert.Error(t, err)
}

func TestDecodeBuyCandidate_RejectsGarbage(t *testing.T) {
	_, err := DecodeBuyCandidate([]byte("not json at all"))
	assert.Error(t, err)
}

func TestDecodePositionOpened_RequiresBuyPrice(t *testing.T) {
	ev := PositionOpened{
		BaseEvent: NewBaseEvent("quarry-buyer"),
		BaseMint:  solana.Pubkey(testBase),
		QuoteMint: solana.SOLMint,
		LPAddress: solana.Pubkey(testLP),
	}

	_, err := DecodePositionOpened(marshal(t, ev))
	assert.Error(t, err)

	ev.BuyPrice = decimal.NewFromFloat(0.0001)
	decoded, err := DecodePositionOpened(marshal(t, ev))
	require.NoError(t, err)
	assert.True(t, decoded.BuyPrice.Equal(ev.BuyPrice))
}

func TestDecodePositionClosed_RoundTripsDecimals(t *testing.T) {
	ev := PositionClosed{
		BaseEvent:         NewBaseEvent("quarry-seller"),
		BaseMint:          solana.Pubkey(testBase),
		QuoteMint:         solana.SOLMint,
		LPAddress:         solana.Pubkey(testLP),
		TokenAmount:       decimal.RequireFromString("1234.56789"),
		BuyPrice:          decimal.RequireFromString("0.000081"),
		SellPrice:         decimal.RequireFromString("0.000145"),
		ProfitLossQuote:   decimal.RequireFromString("0.079"),
		ProfitLossPercent: decimal.RequireFromString("79.01"),
		Reason:            "TAKE_PROFIT",
	}

	decoded, err := DecodePositionClosed(marshal(t, ev))
	require.NoError(t, err)
	assert.True(t, decoded.SellPrice.Equal(ev.SellPrice), "decimal precision must survive the wire")
	assert.True(t, decoded.ProfitLossPercent.Equal(ev.ProfitLossPercent))
	assert.Equal(t, "TAKE_PROFIT", decoded.Reason)
}

func TestDecodeHeartbeat_RequiresService(t *testing.T) {
	_, err := DecodeHeartbeat(marshal(t, Heartbeat{BaseEvent: NewBaseEvent("x")}))
	assert.Error(t, err)

	decoded, err := DecodeHeartbeat(marshal(t, Heartbeat{
		BaseEvent: NewBaseEvent("quarry-filter"),
		Service:   "quarry-filter",
		Status:    "healthy",
	}))
	require.NoError(t, err)
	assert.Equal(t, "quarry-filter", decoded.Service)
}

func TestHeartbeat_UptimeSerializesAsSeconds(t *testing.T) {
	hb := Heartbeat{
		BaseEvent:     NewBaseEvent("quarry-filter"),
		Service:       "quarry-filter",
		Status:        "healthy",
		UptimeSeconds: 90,
	}

	var raw map[string]any
	require.NoError(t, json.Unmarshal(marshal(t, hb), &raw))
	assert.Equal(t, float64(90), raw["uptime_seconds"], "uptime must be whole seconds on the wire")
}

func TestAllTopics_CoversEveryEvent(t *testing.T) {
	topics := AllTopics()
	assert.Len(t, topics, 5)
	assert.Contains(t, topics, TopicPoolDetected)
	assert.Contains(t, topics, TopicHeartbeat)
}
