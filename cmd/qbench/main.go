//go:build linux

// qbench measures latency, bandwidth and messaging rate between two nodes
// over socket and RDMA transports. One node runs `qbench -l`; the other
// names it and the tests to run:
//
//	qbench -l
//	qbench -t 2 myserver tcp_bw rc_lat
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/qbench/qbench-go/bench"
	"github.com/qbench/qbench-go/control"
	"github.com/qbench/qbench-go/param"
)

// Config carries the options that can also come from a YAML file; CLI
// flags override it.
type Config struct {
	ListenPort int    `yaml:"listen-port"`
	RemotePort int    `yaml:"remote-port"`
	Time       uint32 `yaml:"time"`
	Timeout    uint32 `yaml:"timeout"`
	ID         string `yaml:"id"`
	Rate       string `yaml:"rate"`
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fConfig := flag.String("config", "", "path to config YAML file")
	fListen := flag.Bool("l", false, "run as server")
	fLPort := flag.Int("lp", 0, "local control port")
	fRPort := flag.Int("rp", 0, "remote control port")
	fV1 := flag.Bool("v", false, "verbose")
	fV2 := flag.Bool("vv", false, "more verbose")
	fV3 := flag.Bool("vvv", false, "most verbose")
	fDebug := flag.Bool("D", false, "debug output")
	fTime := flag.Uint("t", 0, "test duration in seconds")
	fMsgSize := flag.String("M", "", "message size (accepts k/m suffixes)")
	fMTU := flag.Uint("m", 0, "MTU size")
	fSockBuf := flag.String("B", "", "socket buffer size")
	fID := flag.String("I", "", "device identifier, device[:port]")
	fRate := flag.String("r", "", "static rate, e.g. 4xQDR")
	fPoll := flag.Bool("P", false, "poll the completion queue")
	fRdAtomic := flag.Uint("A", 0, "outstanding RDMA reads and atomics")
	fNoMsgs := flag.Uint("nm", 0, "stop after this many messages")
	fWait := flag.Uint("ws", 0, "retry the server connect this many seconds")
	fMsgRate := flag.Uint64("mr", 0, "pace sends to this many messages per second")
	var fSet, fPrint stringList
	flag.Var(&fSet, "ip", "set a named parameter, [loc_|rem_]name=value (repeatable)")
	flag.Var(&fPrint, "op", "print a named parameter (repeatable)")
	flag.Parse()

	conf := Config{
		ListenPort: control.DefaultPort,
		RemotePort: control.DefaultPort,
		Time:       2,
		Timeout:    5,
	}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		fatalIf(err, "reading config file")
		fatalIf(yaml.Unmarshal(b, &conf), "parsing YAML")
	}
	if *fLPort != 0 {
		conf.ListenPort = *fLPort
	}
	if *fRPort != 0 {
		conf.RemotePort = *fRPort
	}
	if *fTime != 0 {
		conf.Time = uint32(*fTime)
	}

	verbosity := 0
	switch {
	case *fV3:
		verbosity = 3
	case *fV2:
		verbosity = 2
	case *fV1:
		verbosity = 1
	}

	if *fListen {
		fatalIf(bench.RunServer(&bench.ServerConfig{
			Port:      conf.ListenPort,
			Verbosity: verbosity,
			Debug:     *fDebug,
		}), "server")
		return
	}

	local := &control.Request{Time: conf.Time, Timeout: conf.Timeout}
	remote := &control.Request{Time: conf.Time, Timeout: conf.Timeout}
	tbl := param.New(local, remote)

	setBoth := func(name string, v uint32) {
		p, _ := param.ByName(name)
		tbl.SetU32(name, p.Loc, v)
		tbl.SetU32(name, p.Rem, v)
	}
	if *fTime != 0 {
		setBoth("time", uint32(*fTime))
	}
	if *fMsgSize != "" {
		n, err := humanize.ParseBytes(*fMsgSize)
		fatalIf(err, "parsing -M")
		setBoth("msg_size", uint32(n))
	}
	if *fMTU != 0 {
		setBoth("mtu_size", uint32(*fMTU))
	}
	if *fSockBuf != "" {
		n, err := humanize.ParseBytes(*fSockBuf)
		fatalIf(err, "parsing -B")
		setBoth("sock_buf_size", uint32(n))
	}
	if conf.ID != "" || *fID != "" {
		id := conf.ID
		if *fID != "" {
			id = *fID
		}
		p, _ := param.ByName("id")
		fatalIf(tbl.SetStr("id", p.Loc, id), "setting id")
		fatalIf(tbl.SetStr("id", p.Rem, id), "setting id")
	}
	if conf.Rate != "" || *fRate != "" {
		rate := conf.Rate
		if *fRate != "" {
			rate = *fRate
		}
		p, _ := param.ByName("rate")
		fatalIf(tbl.SetStr("rate", p.Loc, rate), "setting rate")
		fatalIf(tbl.SetStr("rate", p.Rem, rate), "setting rate")
	}
	if *fPoll {
		setBoth("poll_mode", 1)
	}
	if *fRdAtomic != 0 {
		setBoth("rd_atomic", uint32(*fRdAtomic))
	}
	if *fNoMsgs != 0 {
		setBoth("no_msgs", uint32(*fNoMsgs))
	}
	for _, s := range fSet {
		fatalIf(setParam(tbl, s), "setting parameter")
	}
	for _, name := range fPrint {
		fatalIf(printParam(tbl, name), "printing parameter")
	}

	args := flag.Args()
	if len(args) < 2 {
		if len(fPrint) > 0 && len(args) == 0 {
			return
		}
		fmt.Fprintln(os.Stderr, "usage: qbench [options] host test [test...]")
		fmt.Fprintln(os.Stderr, "       qbench [options] -l")
		os.Exit(1)
	}

	err := bench.RunClient(&bench.ClientConfig{
		Host:      args[0],
		Port:      conf.RemotePort,
		Wait:      time.Duration(*fWait) * time.Second,
		Timeout:   time.Duration(conf.Timeout) * time.Second,
		Table:     tbl,
		Tests:     args[1:],
		Verbosity: verbosity,
		Debug:     *fDebug,
		MsgRate:   *fMsgRate,
	})
	if err != nil {
		os.Exit(1)
	}
}

// setParam handles -ip: "[loc_|rem_]name=value".
func setParam(tbl *param.Table, arg string) error {
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("%q is not name=value", arg)
	}
	side := 0 // both
	if rest, found := strings.CutPrefix(name, "loc_"); found {
		name, side = rest, 1
	} else if rest, found := strings.CutPrefix(name, "rem_"); found {
		name, side = rest, 2
	}
	p, ok := param.ByName(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	set := func(i param.Index) error {
		if p.Kind == param.Str {
			return tbl.SetStr(name, i, value)
		}
		n, err := humanize.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", arg, err)
		}
		tbl.SetU32(name, i, uint32(n))
		return nil
	}
	if side != 2 {
		if err := set(p.Loc); err != nil {
			return err
		}
	}
	if side != 1 {
		if err := set(p.Rem); err != nil {
			return err
		}
	}
	return nil
}

// printParam handles -op.
func printParam(tbl *param.Table, arg string) error {
	name := strings.TrimPrefix(strings.TrimPrefix(arg, "loc_"), "rem_")
	p, ok := param.ByName(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if p.Kind == param.Str {
		fmt.Printf("%s = %q/%q\n", name, tbl.ValueStr(p.Loc), tbl.ValueStr(p.Rem))
	} else {
		fmt.Printf("%s = %d/%d\n", name, tbl.ValueU32(p.Loc), tbl.ValueU32(p.Rem))
	}
	return nil
}
