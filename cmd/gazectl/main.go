// Command gazectl is a small console client for the tracker's control
// protocol. It opens the reply listener, connects to the tracker and sends the
// commands given on the command line, printing any replies.
//
// Command tokens are separated on the wire by null bytes; arguments that the
// protocol carries as separate tokens are given as separate arguments:
//
//	gazectl -host 127.0.0.1 getCalResults
//	gazectl startCal "0,0,1024,768" 1
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

var (
	host     = flag.String("host", "127.0.0.1", "Tracker address")
	recvPort = flag.Int("recvport", 10000, "Tracker receive port")
	sendPort = flag.Int("sendport", 10001, "Local port the tracker replies to")
	wait     = flag.Duration("wait", 500*time.Millisecond, "How long to wait for replies")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		log.Fatal("no commands given")
	}

	// The tracker dials us back for replies, so the listener must be up
	// before we connect.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *sendPort))
	if err != nil {
		log.Fatalf("failed to open reply listener: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort(*host, strconv.Itoa(*recvPort)))
	if err != nil {
		log.Fatalf("failed to connect to tracker: %v", err)
	}
	defer conn.Close()

	replies, err := ln.Accept()
	if err != nil {
		log.Fatalf("tracker did not dial back: %v", err)
	}
	defer replies.Close()

	var payload bytes.Buffer
	for _, arg := range flag.Args() {
		payload.WriteString(arg)
		payload.WriteByte(0)
	}
	if _, err := conn.Write(payload.Bytes()); err != nil {
		log.Fatalf("failed to send commands: %v", err)
	}

	replies.SetReadDeadline(time.Now().Add(*wait))
	scan := bufio.NewScanner(replies)
	scan.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, 0); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	for scan.Scan() {
		fmt.Println(scan.Text())
	}
}
