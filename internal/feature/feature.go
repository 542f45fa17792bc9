// Package feature turns canonical events into fixed-length numeric
// vectors for the model ensemble.
//
// The artifact supplies columns, encoder tables, and scaler
// parameters; the synthesis rules that map an event onto those columns
// live here. Extraction never fails: unknown columns read as zero and
// unknown categorical labels take the reserved code.
package feature

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

// UnknownLabel is the reserved encoder key for labels absent from the
// training vocabulary.
const UnknownLabel = "__unknown__"

type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Spec describes one model's input contract as carried by its
// artifact.
type Spec struct {
	Columns  []string                      `json:"feature_columns"`
	Encoders map[string]map[string]float64 `json:"encoders,omitempty"`
	Scaler   *Scaler                       `json:"scaler,omitempty"`
}

type Extractor struct {
	ind Indicators
}

// NewExtractor takes the indicator set as configured. An empty set
// disables indicator-driven burst synthesis, the same way it disables
// the score floor; defaults come from the config layer.
func NewExtractor(ind Indicators) *Extractor {
	return &Extractor{ind: ind}
}

// Featurize produces the vector for e in spec's column order.
func (x *Extractor) Featurize(e *model.Event, spec Spec) []float64 {
	sh := newShape(e, x.burst(e))

	out := make([]float64, len(spec.Columns))
	for i, col := range spec.Columns {
		out[i] = x.value(e, col, sh, spec)
	}

	if s := spec.Scaler; s != nil {
		for i := range out {
			if i >= len(s.Mean) || i >= len(s.Scale) {
				break
			}
			out[i] -= s.Mean[i]
			if s.Scale[i] != 0 {
				out[i] /= s.Scale[i]
			}
		}
	}
	return out
}

// burst reports whether the event should synthesize the short-burst
// connection shape: the indicator rules plus a few action and payload
// markers that reliably accompany hostile sessions.
func (x *Extractor) burst(e *model.Event) bool {
	if x.ind.Match(e.Action, e.TargetPath) {
		return true
	}
	action := strings.ToLower(e.Action)
	for _, marker := range []string{"scan", "bruteforce", "malformed", "ci_credentials"} {
		if strings.Contains(action, marker) {
			return true
		}
	}
	payload := strings.ToLower(string(e.Payload))
	for _, marker := range []string{"backdoor", "malicious", "exploit", "shell", "wget", "curl"} {
		if strings.Contains(payload, marker) {
			return true
		}
	}
	return false
}

// shape holds the synthesized connection profile every named column
// derives from.
type shape struct {
	dur    float64
	sbytes float64
	dbytes float64
	spkts  float64
	dpkts  float64
	sttl   float64
	burst  bool

	payloadLen float64
	headerLen  float64
}

func newShape(e *model.Event, burst bool) shape {
	sh := shape{burst: burst, payloadLen: float64(len(e.Payload)), headerLen: headerBytes(e)}
	if burst {
		sh.dur = 0.1
		sh.sbytes = sh.payloadLen * 100
		sh.dbytes = sh.headerLen * 50
		sh.spkts = 100
		sh.dpkts = 50
		sh.sttl = 32
	} else {
		sh.dur = 1.0
		sh.sbytes = sh.payloadLen * 10
		sh.dbytes = sh.headerLen * 5
		sh.spkts = 10
		sh.dpkts = 5
		sh.sttl = 64
	}
	return sh
}

func headerBytes(e *model.Event) float64 {
	if len(e.Headers) == 0 {
		return 2 // {}
	}
	b, err := json.Marshal(e.Headers)
	if err != nil {
		return 2
	}
	return float64(len(b))
}

func (x *Extractor) value(e *model.Event, col string, sh shape, spec Spec) float64 {
	switch col {
	case "proto":
		return encode(spec, "proto", protoLabel(e), protoFallback)
	case "service":
		return encode(spec, "service", e.TargetService, serviceFallback)
	case "state":
		return encode(spec, "state", "ESTABLISHED", stateFallback)
	case "dur":
		return sh.dur
	case "sbytes":
		return sh.sbytes
	case "dbytes":
		return sh.dbytes
	case "spkts":
		return sh.spkts
	case "dpkts":
		return sh.dpkts
	case "rate", "sload":
		return sh.sbytes / sh.dur
	case "dload":
		return sh.dbytes / sh.dur
	case "sttl", "dttl":
		return sh.sttl
	case "sinpkt":
		return sh.dur / sh.spkts
	case "dinpkt":
		return sh.dur / sh.dpkts
	case "sjit", "djit":
		return 0.001
	case "swin", "dwin":
		return 65535
	case "tcprtt", "synack", "ackdat":
		return 0.01
	case "smean":
		return sh.sbytes / sh.spkts
	case "dmean":
		return sh.dbytes / sh.dpkts
	case "trans_depth":
		return 1
	case "response_body_len":
		return sh.dbytes
	}

	if n, ok := positional(col); ok {
		return x.positionalValue(e, n, sh)
	}
	if strings.HasPrefix(col, "ct_") {
		return 1
	}
	// unknown and flag-style columns read as zero
	return 0
}

// positional matches the secondary model's feature_N columns.
func positional(col string) (int, bool) {
	rest, ok := strings.CutPrefix(col, "feature_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (x *Extractor) positionalValue(e *model.Event, n int, sh shape) float64 {
	proto := protoLabel(e)
	svc := strings.ToLower(e.TargetService)
	lp := strings.ToLower(e.TargetPath)
	ua := strings.ToLower(e.UserAgent)

	switch {
	case n == 0:
		return 0.1
	case n == 1:
		return sh.payloadLen
	case n == 2:
		return sh.headerLen
	case n == 3:
		return 10
	case n == 4:
		return 5
	case n == 5:
		return sh.payloadLen * 10
	case n == 6:
		return 64
	case n == 7:
		return boolBit(strings.Contains(proto, "HTTPS"))
	case n == 8:
		return float64(len(e.UserAgent))
	case n == 9:
		return boolBit(strings.Contains(ua, "tor") || strings.Contains(ua, "vpn"))
	case n >= 10 && n < 30:
		return 0.01 + float64(n%10)*0.001
	case n == 30:
		return boolBit(strings.Contains(proto, "HTTP"))
	case n == 31:
		return boolBit(strings.Contains(proto, "HTTPS"))
	case n == 32:
		return boolBit(strings.Contains(proto, "TCP"))
	case n == 33:
		return boolBit(strings.Contains(proto, "UDP"))
	case n == 34:
		return boolBit(strings.Contains(svc, "git"))
	case n == 35:
		return boolBit(strings.Contains(svc, "ci/cd") || strings.Contains(svc, "cicd") || strings.Contains(svc, "ci-cd"))
	case n == 36:
		return float64(len(e.TargetService))
	case n == 37:
		return boolBit(e.Action == "file_access")
	case n == 38:
		return boolBit(strings.Contains(lp, ".env"))
	case n == 39:
		return boolBit(strings.Contains(lp, "secrets"))
	case n >= 40 && n < 60:
		return float64(n % 2)
	case n >= 60 && n < 79:
		base := int(sh.payloadLen + sh.headerLen)
		return float64(base%(n-59)) + 0.1
	}
	return 0
}

func boolBit(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func protoLabel(e *model.Event) string {
	p := strings.ToUpper(strings.TrimSpace(e.Protocol))
	if p == "" {
		return "HTTP"
	}
	return p
}

func encode(spec Spec, col, label string, fallback func(string) float64) float64 {
	if m, ok := spec.Encoders[col]; ok {
		if v, ok := m[label]; ok {
			return v
		}
		if v, ok := m[UnknownLabel]; ok {
			return v
		}
	}
	return fallback(label)
}

func protoFallback(label string) float64 {
	switch strings.ToUpper(label) {
	case "HTTP", "HTTPS", "TCP":
		return 0
	case "UDP":
		return 1
	case "ICMP":
		return 2
	case "FTP":
		return 3
	case "SSH":
		return 4
	case "TELNET":
		return 5
	}
	return 0
}

func serviceFallback(label string) float64 {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "git"):
		return 0
	case strings.Contains(l, "ci"):
		return 1
	case strings.Contains(l, "honeypot"):
		return 2
	}
	return 3
}

func stateFallback(label string) float64 {
	switch strings.ToUpper(label) {
	case "ESTABLISHED":
		return 0
	case "FIN":
		return 1
	case "CON":
		return 2
	case "REQ":
		return 3
	case "RST":
		return 4
	}
	return 0
}
