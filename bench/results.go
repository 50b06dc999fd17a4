package bench

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/qbench/qbench-go/param"
	"github.com/qbench/qbench-go/stats"
)

// results holds the derived metrics of one finished test.
type results struct {
	latency  float64 // seconds per message
	msgRate  float64 // messages per second
	sendBW   float64 // bytes per second
	recvBW   float64
	sendCost float64 // CPU seconds per gigabyte
	recvCost float64
	locReal  float64
	remReal  float64
	locCPU   float64
	remCPU   float64
}

// calcResults folds the remote-observed counters into each side's own and
// derives the reported metrics. Whichever side actually moved data
// supplies the denominator; when both did, the midpoint of the two clocks
// is used.
func calcResults(e *Env) results {
	stats.Merge(e.LStat, e.RStat)

	var r results
	r.locReal = e.LStat.RealSeconds()
	r.remReal = e.RStat.RealSeconds()
	r.locCPU = e.LStat.CPUSeconds()
	r.remCPU = e.RStat.CPUSeconds()

	l, rem := e.LStat, e.RStat
	if msgs := l.R.Msgs + rem.R.Msgs; msgs > 0 && r.locReal > 0 {
		r.latency = r.locReal / float64(msgs)
	}
	if r.locReal == 0 || r.remReal == 0 {
		return r
	}
	mid := (r.locReal + r.remReal) / 2

	switch {
	case rem.R.Msgs == 0:
		r.msgRate = float64(l.R.Msgs) / r.locReal
	case l.R.Msgs == 0:
		r.msgRate = float64(rem.R.Msgs) / r.remReal
	default:
		r.msgRate = float64(l.R.Msgs+rem.R.Msgs) / mid
	}
	switch {
	case rem.S.Bytes == 0:
		r.sendBW = float64(l.S.Bytes) / r.locReal
	case l.S.Bytes == 0:
		r.sendBW = float64(rem.S.Bytes) / r.remReal
	default:
		r.sendBW = float64(l.S.Bytes+rem.S.Bytes) / mid
	}
	switch {
	case rem.R.Bytes == 0:
		r.recvBW = float64(l.R.Bytes) / r.locReal
	case l.R.Bytes == 0:
		r.recvBW = float64(rem.R.Bytes) / r.remReal
	default:
		r.recvBW = float64(l.R.Bytes+rem.R.Bytes) / mid
	}

	const gB = 1e9
	if l.S.Bytes > 0 && l.R.Bytes == 0 && rem.S.Bytes == 0 {
		r.sendCost = r.locCPU * gB / float64(l.S.Bytes)
	} else if rem.S.Bytes > 0 && rem.R.Bytes == 0 && l.S.Bytes == 0 {
		r.sendCost = r.remCPU * gB / float64(rem.S.Bytes)
	}
	if rem.R.Bytes > 0 && rem.S.Bytes == 0 && l.R.Bytes == 0 {
		r.recvCost = r.remCPU * gB / float64(rem.R.Bytes)
	} else if l.R.Bytes > 0 && l.S.Bytes == 0 && rem.R.Bytes == 0 {
		r.recvCost = r.locCPU * gB / float64(l.R.Bytes)
	}
	return r
}

// showResults prints the metrics the test kind selects, then the consumed
// parameters and raw counters as verbosity allows.
func showResults(e *Env, kind ResultKind) {
	if kind == NoResult {
		return
	}
	r := calcResults(e)
	p := message.NewPrinter(language.English)

	p.Fprintf(e.Out, "%s:\n", e.TestName)
	switch kind {
	case Latency:
		p.Fprintf(e.Out, "    latency    =  %s\n", fmtTime(r.latency))
		if e.Verbosity >= 1 {
			p.Fprintf(e.Out, "    msg_rate   =  %s\n", fmtRate(r.msgRate))
		}
	case MsgRate:
		p.Fprintf(e.Out, "    msg_rate   =  %s\n", fmtRate(r.msgRate))
	case Bandwidth:
		p.Fprintf(e.Out, "    bw         =  %s\n", fmtBand(r.recvBW))
		if e.Verbosity >= 1 {
			p.Fprintf(e.Out, "    msg_rate   =  %s\n", fmtRate(r.msgRate))
		}
	case BandwidthSR:
		p.Fprintf(e.Out, "    send_bw    =  %s\n", fmtBand(r.sendBW))
		p.Fprintf(e.Out, "    recv_bw    =  %s\n", fmtBand(r.recvBW))
		if e.Verbosity >= 1 {
			p.Fprintf(e.Out, "    msg_rate   =  %s\n", fmtRate(r.msgRate))
		}
	}
	if e.Verbosity >= 1 {
		showUsed(e, p)
		if r.sendCost > 0 {
			p.Fprintf(e.Out, "    send_cost  =  %.3f sec/GB\n", r.sendCost)
		}
		if r.recvCost > 0 {
			p.Fprintf(e.Out, "    recv_cost  =  %.3f sec/GB\n", r.recvCost)
		}
	}
	if e.Verbosity >= 2 {
		p.Fprintf(e.Out, "    loc_time   =  %.3f sec (cpu %.3f)\n", r.locReal, r.locCPU)
		p.Fprintf(e.Out, "    rem_time   =  %.3f sec (cpu %.3f)\n", r.remReal, r.remCPU)
		showCounters(e, p, "loc", e.LStat)
		showCounters(e, p, "rem", e.RStat)
	}
}

// showUsed lists the parameters the test consumed: the user-set ones at
// -v, all of them at -vv.
func showUsed(e *Env, p *message.Printer) {
	for _, n := range param.Names {
		set := e.Params.IsSet(n.Loc) || e.Params.IsSet(n.Rem)
		used := e.Params.IsUsed(n.Loc) || e.Params.IsUsed(n.Rem)
		if !used || (e.Verbosity < 2 && !set) {
			continue
		}
		if n.Kind == param.Str {
			lv, rv := e.Params.ValueStr(n.Loc), e.Params.ValueStr(n.Rem)
			if lv == rv {
				p.Fprintf(e.Out, "    %-10s =  %q\n", n.Name, lv)
			} else {
				p.Fprintf(e.Out, "    %-10s =  %q/%q\n", n.Name, lv, rv)
			}
			continue
		}
		lv, rv := e.Params.ValueU32(n.Loc), e.Params.ValueU32(n.Rem)
		if lv == rv {
			p.Fprintf(e.Out, "    %-10s =  %d\n", n.Name, lv)
		} else {
			p.Fprintf(e.Out, "    %-10s =  %d/%d\n", n.Name, lv, rv)
		}
	}
}

func showCounters(e *Env, p *message.Printer, pref string, st *stats.Stat) {
	p.Fprintf(e.Out, "    %s_send   =  %s, %d msgs, %d errs\n",
		pref, humanize.Bytes(st.S.Bytes), st.S.Msgs, st.S.Errs)
	p.Fprintf(e.Out, "    %s_recv   =  %s, %d msgs, %d errs\n",
		pref, humanize.Bytes(st.R.Bytes), st.R.Msgs, st.R.Errs)
	if st.MaxCQEs > 0 {
		p.Fprintf(e.Out, "    %s_cqes   =  %d\n", pref, st.MaxCQEs)
	}
}

func fmtBand(v float64) string {
	return humanize.SIWithDigits(v, 2, "B/sec")
}

func fmtRate(v float64) string {
	return humanize.SIWithDigits(v, 2, "/sec")
}

func fmtTime(v float64) string {
	switch {
	case v == 0:
		return "0 sec"
	case v < 1e-6:
		return fmt.Sprintf("%.1f ns", v*1e9)
	case v < 1e-3:
		return fmt.Sprintf("%.2f us", v*1e6)
	case v < 1:
		return fmt.Sprintf("%.2f ms", v*1e3)
	}
	return fmt.Sprintf("%.2f sec", v)
}
