package filter

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/netsentry/netsentry/pkg/model"
)

// Env is the evaluation environment for custom predicate expressions.
// Field names follow display-filter conventions (frame.len, ip.src, ...).
type Env struct {
	Frame struct {
		Number    uint64  `expr:"number"`
		Len       int     `expr:"len"`
		TimeEpoch float64 `expr:"time_epoch"`
	} `expr:"frame"`

	IP struct {
		Src string `expr:"src"`
		Dst string `expr:"dst"`
	} `expr:"ip"`

	SrcPort  int    `expr:"srcport"`
	DstPort  int    `expr:"dstport"`
	Protocol string `expr:"protocol"`
	AppProto string `expr:"app_protocol"`
	Info     string `expr:"info"`
}

// CompileExpr compiles a predicate expression into an opaque filter
// function suitable for PacketFilter.Custom. Only the in-memory backend
// can evaluate these; the persistent backend rejects filters carrying one.
func CompileExpr(src string) (func(*model.PacketRecord) bool, error) {
	program, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter expression %q: %w", src, err)
	}

	return func(p *model.PacketRecord) bool {
		env := recordToEnv(p)
		result, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		b, ok := result.(bool)
		return ok && b
	}, nil
}

func recordToEnv(p *model.PacketRecord) Env {
	env := Env{}
	env.Frame.Number = p.FrameNumber
	env.Frame.Len = p.Length
	env.Frame.TimeEpoch = float64(p.Timestamp.UnixNano()) / 1e9
	env.IP.Src = p.SrcIP
	env.IP.Dst = p.DstIP
	env.SrcPort = p.SrcPort
	env.DstPort = p.DstPort
	env.Protocol = p.Protocol.String()
	env.AppProto = p.AppProtocol
	env.Info = p.Info
	return env
}
