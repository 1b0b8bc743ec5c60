// Command supervisorctl is the CLI control-plane client (spec §4.12/§4.13):
// it dials the master's Unix control socket, sends one request, and prints
// the decoded response (or streams chunks for "logs"/"metrics"). Adapted
// from the teacher's flag-driven main() into a client for the control
// protocol, in place of the teacher's own HTTP reverse-proxy entry point.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nehonix/go-procsupervisor/internal/control"
	"github.com/nehonix/go-procsupervisor/internal/wire"
)

var (
	flagSocket = flag.String("socket", "/tmp/supervisord.sock", "path to the master's control socket")
	flagCmd    = flag.String("cmd", "list", "control command to send (start|stop|restart|reload|delete|list|status|logs|metrics|dump|ping|shutdown)")
	flagName   = flag.String("name", "", "app name argument, when the command needs one")
	flagArgs   = flag.String("args", "", "raw JSON args (overrides -name if set)")
	flagTimeout = flag.Duration("timeout", 10*time.Second, "how long to wait for a response")
)

func main() {
	flag.Parse()

	conn, err := net.DialTimeout("unix", *flagSocket, *flagTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisorctl: dial %s: %v\n", *flagSocket, err)
		os.Exit(1)
	}
	defer conn.Close()

	req := control.Request{ID: uuid.NewString(), Cmd: *flagCmd, Args: buildArgs()}
	b, err := wire.Encode(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisorctl: encode request: %v\n", err)
		os.Exit(1)
	}
	if _, err := conn.Write(b); err != nil {
		fmt.Fprintf(os.Stderr, "supervisorctl: write: %v\n", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(*flagTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
		var probe struct {
			Done   bool `json:"done"`
			Stream bool `json:"stream"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err == nil {
			if !probe.Stream || probe.Done {
				return
			}
		}
	}
}

func buildArgs() json.RawMessage {
	if *flagArgs != "" {
		return json.RawMessage(*flagArgs)
	}
	if *flagName == "" {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"name": *flagName})
	return b
}
