// Package protocol implements the two-socket TCP control protocol. The
// tracker listens on the receive port; when the experiment host connects, the
// tracker dials it back on the send port and streams replies there. Commands
// and replies are null-terminated tokens; image transfer is raw bytes with a
// zero terminator.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opengaze/gazetrack/internal/config"
	"github.com/opengaze/gazetrack/internal/gaze"
	"github.com/opengaze/gazetrack/internal/monitoring"
)

// Server accepts one experiment client at a time and dispatches its commands
// to the session.
type Server struct {
	cfg     *config.Config
	session *gaze.Session
	menu    *config.Menu
	dataDir string

	// Quit is invoked on the key_Q command to begin shutdown.
	Quit func()

	mu sync.Mutex
	ln net.Listener
}

// NewServer wires the control protocol over the session.
func NewServer(cfg *config.Config, session *gaze.Session, menu *config.Menu, dataDir string) *Server {
	return &Server{cfg: cfg, session: session, menu: menu, dataDir: dataDir}
}

// ListenAndServe accepts clients until ctx is cancelled. Clients are served
// one at a time: a connection that arrives while a client is being served is
// not refused; it stays unaccepted until that client disconnects.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.PortRecv))
	if err != nil {
		return fmt.Errorf("failed to open server socket: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	monitoring.Logf("control protocol listening on port %d", s.cfg.PortRecv)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.serveClient(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// serveClient dials the client back on the send port and runs the command
// loop until the connection drops.
func (s *Server) serveClient(ctx context.Context, recv net.Conn) {
	defer recv.Close()

	host, _, err := net.SplitHostPort(recv.RemoteAddr().String())
	if err != nil {
		monitoring.Logf("could not get remote address: %v", err)
		return
	}
	monitoring.Logf("client connected from %s", host)

	send, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(s.cfg.PortSend)), 5*time.Second)
	if err != nil {
		monitoring.Logf("failed to open sending socket to %s: %v", host, err)
		return
	}
	defer send.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			recv.Close()
		case <-done:
		}
	}()

	scan := bufio.NewScanner(recv)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	scan.Split(splitNull)

	s.commandLoop(scan, send)

	monitoring.Logf("connection closed by peer")
	s.session.ConnectionClosed()
}

// splitNull frames the stream into null-terminated tokens. A trailing token
// without a terminator is delivered at EOF.
func splitNull(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var errClientGone = errors.New("client closed mid-command")

func next(scan *bufio.Scanner) (string, error) {
	if !scan.Scan() {
		return "", errClientGone
	}
	return scan.Text(), nil
}

// reply sends a null-terminated string on the send socket.
func reply(send net.Conn, msg string) {
	send.Write(append([]byte(msg), 0))
}

func (s *Server) commandLoop(scan *bufio.Scanner, send net.Conn) {
	for scan.Scan() {
		cmd := scan.Text()
		if cmd == "" {
			continue
		}
		if err := s.dispatch(cmd, scan, send); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd string, scan *bufio.Scanner, send net.Conn) error {
	switch cmd {
	case "key_Q":
		monitoring.Logf("shutdown requested by client")
		if s.Quit != nil {
			s.Quit()
		}

	case "key_UP":
		s.session.Locked(s.menu.Up)
	case "key_DOWN":
		s.session.Locked(s.menu.Down)
	case "key_LEFT":
		s.session.Locked(s.menu.Left)
	case "key_RIGHT":
		s.session.Locked(s.menu.Right)

	case "getImageData":
		send.Write(s.session.SendImage())

	case "startCal":
		coords, err := next(scan)
		if err != nil {
			return err
		}
		clearFlag, err := next(scan)
		if err != nil {
			return err
		}
		var x1, y1, x2, y2 int
		if n, _ := fmt.Sscanf(coords, "%d,%d,%d,%d", &x1, &y1, &x2, &y2); n == 4 {
			s.session.StartCalibration(x1, y1, x2, y2, clearFlag == "1")
		} else {
			monitoring.Logf("warning: bad startCal arguments (%s)", coords)
		}

	case "getCalSample":
		point, err := next(scan)
		if err != nil {
			return err
		}
		samples, err := next(scan)
		if err != nil {
			return err
		}
		var x, y float64
		if n, _ := fmt.Sscanf(point, "%f,%f", &x, &y); n == 2 {
			count, _ := strconv.Atoi(samples)
			s.session.GetCalSample(x, y, count)
		} else {
			monitoring.Logf("warning: bad getCalSample arguments (%s)", point)
		}

	case "endCal":
		s.session.EndCalibration()

	case "startVal":
		coords, err := next(scan)
		if err != nil {
			return err
		}
		var x1, y1, x2, y2 int
		if n, _ := fmt.Sscanf(coords, "%d,%d,%d,%d", &x1, &y1, &x2, &y2); n == 4 {
			s.session.StartValidation(x1, y1, x2, y2)
		} else {
			monitoring.Logf("warning: bad startVal arguments (%s)", coords)
		}

	case "getValSample":
		point, err := next(scan)
		if err != nil {
			return err
		}
		samples, err := next(scan)
		if err != nil {
			return err
		}
		var x, y float64
		if n, _ := fmt.Sscanf(point, "%f,%f", &x, &y); n == 2 {
			count, _ := strconv.Atoi(samples)
			s.session.GetValSample(x, y, count)
		} else {
			monitoring.Logf("warning: bad getValSample arguments (%s)", point)
		}

	case "endVal":
		s.session.EndValidation()

	case "toggleCalResult":
		arg, err := next(scan)
		if err != nil {
			return err
		}
		s.session.ToggleCalResult(arg != "0")

	case "saveCalValResultsDetail":
		s.session.SaveCalValResultsDetail()

	case "deleteCalData":
		arg, err := next(scan)
		if err != nil {
			return err
		}
		s.session.DeleteCalData(parseCalPoints(arg))

	case "startRecording":
		msg, err := next(scan)
		if err != nil {
			return err
		}
		s.session.StartRecording(msg)

	case "stopRecording":
		msg, err := next(scan)
		if err != nil {
			return err
		}
		s.session.StopRecording(msg)

	case "openDataFile":
		name, err := next(scan)
		if err != nil {
			return err
		}
		overwrite, err := next(scan)
		if err != nil {
			return err
		}
		s.session.OpenDataFile(s.dataDir, name, overwrite == "1")

	case "closeDataFile":
		s.session.CloseDataFile()

	case "insertMessage":
		msg, err := next(scan)
		if err != nil {
			return err
		}
		s.session.InsertMessage(msg)

	case "insertSettings":
		settings, err := next(scan)
		if err != nil {
			return err
		}
		s.session.InsertSettings(settings)

	case "getEyePosition":
		arg, err := next(scan)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(arg)
		if n < 1 {
			n = 1
		}
		reply(send, joinFloats(s.session.EyePosition(n), "%.0f"))

	case "getEyePositionList":
		arg, err := next(scan)
		if err != nil {
			return err
		}
		getPupil, err := next(scan)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(arg)
		reply(send, joinRows(s.session.EyePositionList(n, getPupil == "1")))

	case "getWholeEyePositionList":
		getPupil, err := next(scan)
		if err != nil {
			return err
		}
		reply(send, joinRows(s.session.WholeEyePositionList(getPupil == "1")))

	case "getWholeMessageList":
		send.Write(append(s.session.MessageBuffer(), 0))

	case "getCalResults":
		reply(send, joinFloats(s.session.CalResults(), "%.2f"))

	case "getCalResultsDetail":
		reply(send, s.session.CalResultsDetail())

	case "getCurrMenu":
		var current string
		s.session.Locked(func() { current = s.menu.Current() })
		reply(send, current)

	case "saveCameraImage":
		name, err := next(scan)
		if err != nil {
			return err
		}
		if err := s.session.SaveCameraImage(s.dataDir, name); err != nil {
			monitoring.Logf("saveCameraImage: %v", err)
		}

	case "startMeasurement":
		s.session.StartMeasurement()
	case "stopMeasurement":
		s.session.StopMeasurement()

	case "allowRendering":
		s.session.AllowRendering()
	case "inhibitRendering":
		s.session.InhibitRendering()

	case "isBinocularMode":
		if s.cfg.Binocular() {
			reply(send, "1")
		} else {
			reply(send, "0")
		}

	case "getCameraImageSize":
		reply(send, fmt.Sprintf("%d,%d", s.cfg.CameraWidth, s.cfg.CameraHeight))

	default:
		monitoring.Logf("warning: unknown command (%s)", cmd)
	}
	return nil
}

// parseCalPoints parses the "x1,y1,x2,y2,..." target list of deleteCalData.
func parseCalPoints(arg string) []gaze.CalPoint {
	var points []gaze.CalPoint
	var vals []float64
	start := 0
	for i := 0; i <= len(arg); i++ {
		if i == len(arg) || arg[i] == ',' {
			if start < i {
				if v, err := strconv.ParseFloat(arg[start:i], 64); err == nil {
					vals = append(vals, v)
				}
			}
			start = i + 1
		}
	}
	for i := 0; i+1 < len(vals); i += 2 {
		points = append(points, gaze.CalPoint{X: vals[i], Y: vals[i+1]})
	}
	return points
}

func joinFloats(vals []float64, format string) string {
	var buf bytes.Buffer
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, format, v)
	}
	return buf.String()
}

// joinRows flattens position-list rows into the comma-separated reply.
func joinRows(rows [][]float64) string {
	var buf bytes.Buffer
	for _, row := range rows {
		for _, v := range row {
			if buf.Len() > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%.1f", v)
		}
	}
	return buf.String()
}
