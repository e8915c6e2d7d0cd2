package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"volume-core/pkg/exchanges/common"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) float() float64 {
	v, _ := strconv.ParseFloat(string(f), 64)
	return v
}

type executionReport struct {
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	Side          string     `json:"S"`
	Status        string     `json:"X"`
	OrderID       flexString `json:"i"`
	ClientOrderID string     `json:"c"`
	CumulativeQty flexString `json:"z"`
	LastPrice     flexString `json:"L"`
	TradeTime     int64      `json:"T"`
}

type accountPosition struct {
	Balances []struct {
		Asset  string     `json:"a"`
		Free   flexString `json:"f"`
		Locked flexString `json:"l"`
	} `json:"B"`
}

// message is one decoded stream frame. At most one of Order or Balances is set.
type message struct {
	Order    *common.OrderUpdate
	Balances []common.Balance
}

// decode parses a raw frame, unwrapping the combined-stream envelope when
// present. Unknown event types decode to an empty message.
func decode(userID string, raw []byte) (message, error) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return message{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		raw = env.Data
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return message{}, fmt.Errorf("decode event: %w", err)
	}
	var eventType string
	if v, ok := head["e"]; ok {
		// Some frames carry a non-string "e"; those are not events we handle.
		if err := json.Unmarshal(v, &eventType); err != nil {
			return message{}, nil
		}
	}

	switch eventType {
	case "executionReport":
		var rep executionReport
		if err := json.Unmarshal(raw, &rep); err != nil {
			return message{}, fmt.Errorf("decode execution report: %w", err)
		}
		ts := rep.TradeTime
		if ts == 0 {
			ts = rep.EventTime
		}
		u := common.OrderUpdate{
			UserID:        userID,
			OrderID:       string(rep.OrderID),
			ClientOrderID: rep.ClientOrderID,
			Symbol:        rep.Symbol,
			Side:          common.Side(strings.ToUpper(rep.Side)),
			Status:        common.NormalizeStatus(strings.ToUpper(rep.Status)),
			ExecutedQty:   rep.CumulativeQty.float(),
			LastPrice:     rep.LastPrice.float(),
		}
		if ts > 0 {
			u.Time = time.UnixMilli(ts).UTC()
		}
		return message{Order: &u}, nil
	case "outboundAccountPosition":
		var pos accountPosition
		if err := json.Unmarshal(raw, &pos); err != nil {
			return message{}, fmt.Errorf("decode account position: %w", err)
		}
		out := make([]common.Balance, 0, len(pos.Balances))
		for _, b := range pos.Balances {
			out = append(out, common.Balance{Asset: b.Asset, Available: b.Free.float(), Locked: b.Locked.float()})
		}
		return message{Balances: out}, nil
	}
	return message{}, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
