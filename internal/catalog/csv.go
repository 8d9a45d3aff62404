package catalog

import (
	"strconv"
	"strings"
	"time"

	"venuelink/pkg/exception"
)

// The venue publishes 12 columns:
// instrument_token, exchange_token, tradingsymbol, name, last_price,
// expiry, strike, tick_size, lot_size, instrument_type, segment, exchange.
const csvColumns = 12

// parseCSV parses the instrument dump. Short or garbled rows are
// counted and skipped, never fatal; an empty result is.
func parseCSV(data []byte) ([]Instrument, int, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return nil, 0, exception.ErrCatalogUnavailable
	}

	instruments := make([]Instrument, 0, len(lines)-1)
	skipped := 0
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		inst, ok := parseRow(line)
		if !ok {
			skipped++
			continue
		}
		instruments = append(instruments, inst)
	}
	if len(instruments) == 0 {
		return nil, skipped, exception.ErrCatalogUnavailable
	}
	return instruments, skipped, nil
}

func parseRow(line string) (Instrument, bool) {
	fields := splitRow(line)
	if len(fields) < csvColumns {
		return Instrument{}, false
	}

	token, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return Instrument{}, false
	}
	exchangeToken, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Instrument{}, false
	}

	inst := Instrument{
		Token:         int32(token),
		ExchangeToken: exchangeToken,
		Symbol:        fields[2],
		Name:          fields[3],
		Type:          strings.ToUpper(fields[9]),
		Segment:       fields[10],
		Exchange:      strings.ToUpper(fields[11]),
	}
	if fields[4] != "" {
		inst.LastPrice, _ = strconv.ParseFloat(fields[4], 64)
	}
	if fields[5] != "" {
		if expiry, err := time.Parse("2006-01-02", fields[5]); err == nil {
			inst.Expiry = expiry
		}
	}
	if fields[6] != "" {
		inst.Strike, _ = strconv.ParseFloat(fields[6], 64)
	}
	if fields[7] != "" {
		inst.TickSize, _ = strconv.ParseFloat(fields[7], 64)
	}
	if fields[8] != "" {
		if lot, err := strconv.ParseUint(fields[8], 10, 32); err == nil {
			inst.LotSize = uint32(lot)
		}
	}
	return inst, true
}

// splitRow splits one CSV row with double-quote awareness; quotes wrap
// fields containing commas and are not part of the value.
func splitRow(line string) []string {
	fields := make([]string, 0, csvColumns)
	var field strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			fields = append(fields, strings.TrimSpace(field.String()))
			field.Reset()
		default:
			field.WriteByte(c)
		}
	}
	fields = append(fields, strings.TrimSpace(field.String()))
	return fields
}
