package obd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"smart-obd/core/internal/domain"
)

// OBD-II service modes used by the reader.
const (
	ModeCurrentData byte = 0x01
	ModeDTC         byte = 0x03
	ModeVehicleInfo byte = 0x09
)

// VIN request PID under mode 09.
const PIDVehicleVIN domain.PID = 0x02

// Frame is one request unit of the wire protocol. Mode 03 requests carry
// no PID.
type Frame struct {
	Mode byte
	PID  domain.PID
}

// DecodeErrorKind classifies why a response could not be decoded. Adapter
// sentinel strings map onto distinct kinds so no caller can mistake a
// failed poll for a zero value.
type DecodeErrorKind int

const (
	DecodeMalformed DecodeErrorKind = iota
	DecodeLengthMismatch
	DecodeNoData       // "NO DATA": ECU did not answer
	DecodeAdapterError // "ERROR": adapter-level failure
	DecodeStopped      // "STOPPED": adapter aborted the request
	DecodeUnknown      // "?": adapter did not recognize the command
	DecodeBusy         // "BUS BUSY" / "BUFFER FULL"
)

type DecodeError struct {
	Kind DecodeErrorKind
	Raw  string
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case DecodeNoData:
		return "obd: no data from ECU"
	case DecodeAdapterError:
		return "obd: adapter reported ERROR"
	case DecodeStopped:
		return "obd: adapter stopped request"
	case DecodeUnknown:
		return "obd: adapter did not recognize request"
	case DecodeBusy:
		return "obd: adapter busy"
	case DecodeLengthMismatch:
		return fmt.Sprintf("obd: payload length mismatch in %q", e.Raw)
	default:
		return fmt.Sprintf("obd: malformed response %q", e.Raw)
	}
}

// Sentinel reports whether the error is an adapter sentinel rather than a
// framing problem. Sentinels are expected during normal operation (engine
// off, unsupported PID) and are skip-and-count events, not faults.
func (e *DecodeError) Sentinel() bool {
	switch e.Kind {
	case DecodeNoData, DecodeAdapterError, DecodeStopped, DecodeUnknown, DecodeBusy:
		return true
	}
	return false
}

var sentinelKinds = map[string]DecodeErrorKind{
	"NO DATA":     DecodeNoData,
	"ERROR":       DecodeAdapterError,
	"STOPPED":     DecodeStopped,
	"?":           DecodeUnknown,
	"BUS BUSY":    DecodeBusy,
	"BUFFER FULL": DecodeBusy,
}

// EncodeRequest renders a request frame as the ASCII line the adapter
// expects: two hex digits of mode, two of PID, CR. Mode 03 takes no PID.
func EncodeRequest(f Frame) []byte {
	if f.Mode == ModeDTC {
		return []byte(fmt.Sprintf("%02X\r", f.Mode))
	}
	return []byte(fmt.Sprintf("%02X%02X\r", f.Mode, byte(f.PID)))
}

// Response is a decoded mode 01 answer.
type Response struct {
	PID     domain.PID
	Metric  string
	Unit    string
	Value   float64
	Payload []byte
}

// DecodeResponse parses a mode 01 response for the requested PID. Payload
// length is validated against the PID table; ELM327 framing has no
// checksum, so the length check is the only structural defense.
func DecodeResponse(raw []byte, req Frame) (*Response, error) {
	payload, err := extractPayload(raw, req)
	if err != nil {
		return nil, err
	}

	info, ok := domain.PIDTable[req.PID]
	if !ok {
		return nil, &DecodeError{Kind: DecodeMalformed, Raw: string(raw)}
	}
	if len(payload) != info.ByteLen {
		return nil, &DecodeError{Kind: DecodeLengthMismatch, Raw: string(raw)}
	}

	return &Response{
		PID:     req.PID,
		Metric:  info.Metric,
		Unit:    info.Unit,
		Value:   info.Decode(payload),
		Payload: payload,
	}, nil
}

// DecodeDTCs parses a mode 03 response into trouble code strings. Each
// code is two bytes; an all-zero pair is padding, not a code.
func DecodeDTCs(raw []byte) ([]string, error) {
	payload, err := extractPayload(raw, Frame{Mode: ModeDTC})
	if err != nil {
		return nil, err
	}
	// CAN adapters prefix the pairs with a code count byte; K-line ones
	// send bare pairs. An odd payload length means the count is present.
	if len(payload)%2 == 1 {
		want := int(payload[0])
		payload = payload[1:]
		if len(payload) != want*2 {
			return nil, &DecodeError{Kind: DecodeLengthMismatch, Raw: string(raw)}
		}
	}

	var codes []string
	for i := 0; i+1 < len(payload); i += 2 {
		a, b := payload[i], payload[i+1]
		if a == 0 && b == 0 {
			continue
		}
		codes = append(codes, formatDTC(a, b))
	}
	return codes, nil
}

var dtcSystem = [4]byte{'P', 'C', 'B', 'U'}

func formatDTC(a, b byte) string {
	return fmt.Sprintf("%c%d%X%02X", dtcSystem[a>>6], (a>>4)&0x03, a&0x0F, b)
}

// DecodeVIN parses a multi-line mode 09 02 response into the 17-character
// vehicle identification number.
func DecodeVIN(raw []byte) (string, error) {
	payload, err := extractPayload(raw, Frame{Mode: ModeVehicleInfo, PID: PIDVehicleVIN})
	if err != nil {
		return "", err
	}
	// The first payload byte is the record count; the VIN follows.
	if len(payload) < 2 {
		return "", &DecodeError{Kind: DecodeMalformed, Raw: string(raw)}
	}
	vin := strings.TrimLeft(string(payload[1:]), "\x00")
	if len(vin) != 17 {
		return "", &DecodeError{Kind: DecodeLengthMismatch, Raw: string(raw)}
	}
	return vin, nil
}

// extractPayload normalizes an adapter answer into response payload bytes:
// strips the prompt and echo, maps sentinel strings to errors, reassembles
// multi-line responses by sequence index, and verifies the mode/PID echo.
func extractPayload(raw []byte, req Frame) ([]byte, error) {
	text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(raw)), ">"))
	if text == "" {
		return nil, &DecodeError{Kind: DecodeMalformed, Raw: string(raw)}
	}

	lines := splitLines(text)

	for _, ln := range lines {
		if kind, ok := sentinelKinds[strings.ToUpper(ln)]; ok {
			return nil, &DecodeError{Kind: kind, Raw: ln}
		}
	}

	var hexTokens []string
	if len(lines) == 1 && !strings.Contains(lines[0], ":") {
		hexTokens = strings.Fields(lines[0])
	} else {
		tokens, err := reassemble(lines)
		if err != nil {
			return nil, err
		}
		hexTokens = tokens
	}

	data := make([]byte, 0, len(hexTokens))
	for _, tok := range hexTokens {
		n, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeMalformed, Raw: text}
		}
		data = append(data, byte(n))
	}

	// The response echoes the request with 0x40 added to the mode.
	if len(data) < 1 || data[0] != req.Mode+0x40 {
		return nil, &DecodeError{Kind: DecodeMalformed, Raw: text}
	}
	data = data[1:]
	if req.Mode != ModeDTC {
		if len(data) < 1 || data[0] != byte(req.PID) {
			return nil, &DecodeError{Kind: DecodeMalformed, Raw: text}
		}
		data = data[1:]
	}
	return data, nil
}

// reassemble merges a multi-line response. The first line is the total
// payload byte count in hex; continuation lines are "<seq>: <bytes>" and
// may arrive out of order.
func reassemble(lines []string) ([]string, error) {
	type seg struct {
		seq    int
		tokens []string
	}

	var count int64 = -1
	var segs []seg
	for _, ln := range lines {
		idx := strings.Index(ln, ":")
		if idx < 0 {
			n, err := strconv.ParseInt(strings.TrimSpace(ln), 16, 32)
			if err != nil || count >= 0 {
				return nil, &DecodeError{Kind: DecodeMalformed, Raw: ln}
			}
			count = n
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSpace(ln[:idx]), 16, 32)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeMalformed, Raw: ln}
		}
		segs = append(segs, seg{seq: int(seq), tokens: strings.Fields(ln[idx+1:])})
	}
	if len(segs) == 0 {
		return nil, &DecodeError{Kind: DecodeMalformed, Raw: strings.Join(lines, " ")}
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	var tokens []string
	for i, s := range segs {
		if s.seq != i {
			return nil, &DecodeError{Kind: DecodeMalformed, Raw: strings.Join(lines, " ")}
		}
		tokens = append(tokens, s.tokens...)
	}
	if count >= 0 && int(count) != len(tokens) {
		return nil, &DecodeError{Kind: DecodeLengthMismatch, Raw: strings.Join(lines, " ")}
	}
	return tokens, nil
}

func splitLines(text string) []string {
	var out []string
	for _, ln := range strings.Split(strings.ReplaceAll(text, "\n", "\r"), "\r") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

// EncodeReadingResponse renders the single-line response an adapter would
// produce for a mode 01 value. Used by the simulator.
func EncodeReadingResponse(pid domain.PID, value float64) []byte {
	info := domain.PIDTable[pid]
	var sb strings.Builder
	fmt.Fprintf(&sb, "%02X %02X", ModeCurrentData+0x40, byte(pid))
	for _, b := range info.Encode(value) {
		fmt.Fprintf(&sb, " %02X", b)
	}
	sb.WriteString("\r>")
	return []byte(sb.String())
}
