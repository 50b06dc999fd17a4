package bench

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/qbench/qbench-go/control"
)

// clientConf asks the server for its endpoint description and prints both
// sides.
func clientConf(e *Env) error {
	if err := e.sendRequest(); err != nil {
		return err
	}
	rconf, err := e.Conn.RecvConf()
	if err != nil {
		return err
	}
	lconf := getConf()
	fmt.Fprintf(e.Out, "loc_node  =  %s\n", lconf.Node)
	fmt.Fprintf(e.Out, "loc_cpu   =  %s\n", lconf.CPU)
	fmt.Fprintf(e.Out, "loc_os    =  %s\n", lconf.OS)
	fmt.Fprintf(e.Out, "loc_bench =  %s\n", lconf.Version)
	fmt.Fprintf(e.Out, "rem_node  =  %s\n", rconf.Node)
	fmt.Fprintf(e.Out, "rem_cpu   =  %s\n", rconf.CPU)
	fmt.Fprintf(e.Out, "rem_os    =  %s\n", rconf.OS)
	fmt.Fprintf(e.Out, "rem_bench =  %s\n", rconf.Version)
	e.Successful = true
	return nil
}

func serverConf(e *Env) error {
	conf := getConf()
	return e.Conn.SendConf(&conf)
}

func getConf() control.Conf {
	var c control.Conf
	if host, err := os.Hostname(); err == nil {
		c.Node = host
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		c.OS = fmt.Sprintf("%s %s", cstr(uts.Sysname[:]), cstr(uts.Release[:]))
	}
	c.CPU = cpuDescription()
	c.Version = fmt.Sprintf("%d.%d.%d", control.VerMaj, control.VerMin, control.VerInc)
	return c
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// cpuDescription summarizes /proc/cpuinfo as "N Cores: model".
func cpuDescription() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	var model string
	cores := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		cores++
		if model == "" {
			if _, v, ok := strings.Cut(line, ":"); ok {
				model = strings.TrimSpace(v)
			}
		}
	}
	if cores > 1 {
		return fmt.Sprintf("%d Cores: %s", cores, model)
	}
	return model
}

// clientQuit asks the server process to exit once the barrier releases.
func clientQuit(e *Env) error {
	if err := e.optCheck(); err != nil {
		return err
	}
	if err := e.sendRequest(); err != nil {
		return err
	}
	e.Conn.Synchronize()
	e.Successful = true
	return nil
}

// serverQuit waits for the client to go away first so the channel closes
// down cleanly, then tells the accept loop to stop.
func serverQuit(e *Env) error {
	e.Conn.Synchronize()
	var b [1]byte
	_ = e.Conn.RecvMesg(b[:], "quit")
	return errQuit
}
