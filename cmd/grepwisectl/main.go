// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// grepwisectl is the admin companion to the grepwise server: it registers
// syslog sources over REST and replays log files over syslog framing for
// smoke tests.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grepwise/grepwise/internal/parser"
	"github.com/grepwise/grepwise/internal/sources"
)

// Exit codes, stable for scripting.
const (
	exitOK          = 0
	exitBadArgs     = 1
	exitUnreachable = 2
	exitAPIError    = 3
)

func fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func main() {
	root := &cobra.Command{
		Use:           "grepwisectl",
		Short:         "GrepWise admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEnableSyslogCmd(), newSendLogsCmd())

	if err := root.Execute(); err != nil {
		fail(exitBadArgs, "%v", err)
	}
}

// enable-syslog

type enableSyslogOpts struct {
	baseURL   string
	port      int
	proto     string
	format    string
	id        string
	name      string
	skipStart bool
}

func newEnableSyslogCmd() *cobra.Command {
	var opts enableSyslogOpts

	cmd := &cobra.Command{
		Use:   "enable-syslog",
		Short: "Create (or update) and start a syslog source on a running server",
		Run: func(cmd *cobra.Command, args []string) {
			runEnableSyslog(opts)
		},
	}

	flagset := cmd.Flags()
	flagset.SortFlags = false
	flagset.StringVarP(&opts.baseURL, "base-url", "H", "http://localhost:8080", "Server base URL")
	flagset.IntVarP(&opts.port, "port", "P", 5514, "Port the syslog listener binds to")
	flagset.StringVarP(&opts.proto, "proto", "p", "udp", "Transport (tcp, udp)")
	flagset.StringVarP(&opts.format, "format", "f", "rfc5424", "Syslog format (rfc5424, rfc3164)")
	flagset.StringVarP(&opts.id, "id", "i", "", "Source id (default derived from the port)")
	flagset.StringVarP(&opts.name, "name", "n", "", "Source name (default derived from the port)")
	flagset.BoolVarP(&opts.skipStart, "skip-start", "S", false, "Register the source without starting it")
	return cmd
}

func runEnableSyslog(opts enableSyslogOpts) {
	proto, ok := sources.ParseSyslogProto(opts.proto)
	if !ok {
		fail(exitBadArgs, "invalid proto %q (want tcp or udp)", opts.proto)
	}
	format, ok := parser.ParseSyslogFormat(opts.format)
	if !ok {
		fail(exitBadArgs, "invalid format %q (want rfc5424 or rfc3164)", opts.format)
	}
	if opts.port < 1 || opts.port > 65535 {
		fail(exitBadArgs, "invalid port %d", opts.port)
	}

	src := sources.Source{
		ID:      opts.id,
		Name:    opts.name,
		Enabled: true,
		Kind:    sources.KindSyslog,
		Port:    opts.port,
		Proto:   proto,
		Format:  format,
	}
	if src.ID == "" {
		src.ID = fmt.Sprintf("syslog-%d", opts.port)
	}
	if src.Name == "" {
		src.Name = fmt.Sprintf("syslog %d/%s", opts.port, strings.ToLower(string(proto)))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(opts.baseURL, "/")

	status, body := doJSON(client, http.MethodPost, base+"/api/sources", src)
	if status == http.StatusConflict {
		// already registered, update in place
		status, body = doJSON(client, http.MethodPut, base+"/api/sources/"+src.ID, src)
	}
	if status < 200 || status > 299 {
		fail(exitAPIError, "server rejected source: %s", apiError(body))
	}

	if !opts.skipStart {
		status, body = doJSON(client, http.MethodPost, base+"/api/sources/"+src.ID+"/start", nil)
		if status < 200 || status > 299 {
			fail(exitAPIError, "source registered but failed to start: %s", apiError(body))
		}
	}

	fmt.Printf("syslog source %s listening on %d/%s (%s)\n",
		src.ID, src.Port, strings.ToLower(string(src.Proto)), string(src.Format))
}

// doJSON performs one API call; transport failures exit with the
// unreachable code.
func doJSON(client *http.Client, method, url string, payload any) (int, []byte) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fail(exitBadArgs, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fail(exitBadArgs, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fail(exitUnreachable, "server unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body
}

func apiError(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}

// send-logs

type sendLogsOpts struct {
	host   string
	port   int
	proto  string
	path   string
	rate   int
	loops  int
	dryRun bool
}

func newSendLogsCmd() *cobra.Command {
	var opts sendLogsOpts

	cmd := &cobra.Command{
		Use:   "send-logs",
		Short: "Replay a log file over syslog framing",
		Run: func(cmd *cobra.Command, args []string) {
			runSendLogs(opts)
		},
	}

	flagset := cmd.Flags()
	flagset.SortFlags = false
	flagset.StringVar(&opts.host, "host", "localhost", "Destination host")
	flagset.IntVar(&opts.port, "port", 5514, "Destination port")
	flagset.StringVar(&opts.proto, "proto", "udp", "Transport (tcp, udp)")
	flagset.StringVarP(&opts.path, "file", "F", "", "Log file to replay")
	flagset.IntVar(&opts.rate, "rate", 0, "Lines per second (0 = unthrottled)")
	flagset.IntVar(&opts.loops, "loops", 1, "How many times to replay the file")
	flagset.BoolVarP(&opts.dryRun, "dry-run", "x", false, "Print what would be sent without connecting")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runSendLogs(opts sendLogsOpts) {
	proto, ok := sources.ParseSyslogProto(opts.proto)
	if !ok {
		fail(exitBadArgs, "invalid proto %q (want tcp or udp)", opts.proto)
	}
	if opts.port < 1 || opts.port > 65535 {
		fail(exitBadArgs, "invalid port %d", opts.port)
	}
	if opts.loops < 1 {
		fail(exitBadArgs, "loops must be >= 1")
	}

	lines, err := readLines(opts.path)
	if err != nil {
		fail(exitBadArgs, "read %s: %v", opts.path, err)
	}
	if len(lines) == 0 {
		fail(exitBadArgs, "%s contains no lines", opts.path)
	}

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	if opts.dryRun {
		fmt.Printf("would send %d lines x%d to %s/%s\n",
			len(lines), opts.loops, addr, strings.ToLower(string(proto)))
		return
	}

	network := "udp"
	if proto == sources.ProtoTCP {
		network = "tcp"
	}
	conn, err := net.DialTimeout(network, addr, 10*time.Second)
	if err != nil {
		fail(exitUnreachable, "dial %s %s: %v", network, addr, err)
	}
	defer conn.Close()

	var throttle <-chan time.Time
	if opts.rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
		defer ticker.Stop()
		throttle = ticker.C
	}

	sent := 0
	for loop := 0; loop < opts.loops; loop++ {
		for _, line := range lines {
			if throttle != nil {
				<-throttle
			}
			// newline framing on both transports; one datagram per line
			// over UDP
			if _, err := conn.Write(append([]byte(line), '\n')); err != nil {
				fail(exitUnreachable, "send after %d lines: %v", sent, err)
			}
			sent++
		}
	}

	fmt.Printf("sent %d lines to %s/%s\n", sent, addr, network)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
