package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"github.com/cuemby/gridscan/pkg/log"
)

// Collaborators bundles everything a listener needs to turn an accepted
// connection into a running job, so Serve's signature stays short as the
// set of wired dependencies grows.
type Collaborators struct {
	Manager     *ScanManager
	Store       Store
	Compiler    PredicateCompiler
	Runtime     UDFRuntime
	Dispatcher  TxDispatcher
	ValueEncode func(val any) []byte
	// BackgroundScanMaxRPS returns the per-namespace ceiling StartUdfBg
	// and StartOpsBg validate requested RPS against.
	BackgroundScanMaxRPS func(namespace string) int
}

// Serve accepts connections on ln until ctx is canceled, handling each on
// its own goroutine. One connection carries exactly one scan-start
// request: the socket is either adopted by a streaming job (Basic, Aggr)
// for the job's lifetime, or closed immediately after a background job
// (UdfBg, OpsBg) sends its synchronous "fin ok" acknowledgement.
func Serve(ctx context.Context, ln net.Listener, c Collaborators) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handleConn(conn, c)
	}
}

func handleConn(conn net.Conn, c Collaborators) {
	_, payload, err := readFrame(conn)
	if err != nil {
		log.Logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("scan: failed to read request frame")
		conn.Close()
		return
	}

	if len(payload) < 8 {
		log.Logger.Warn().Msg("scan: request payload too short for trid")
		conn.Close()
		return
	}
	trid := binary.BigEndian.Uint64(payload[:8])
	client := conn.RemoteAddr().String()

	req, err := DecodeRequest(trid, client, payload[8:])
	if err != nil {
		lg := log.WithTrid(trid)
		lg.Warn().Err(err).Msg("scan: request decode failed")
		replyStartError(conn, err)
		return
	}

	if err := dispatch(req, conn, c); err != nil {
		lg := log.WithTrid(trid)
		lg.Warn().Err(err).Msg("scan: start rejected")
		replyStartError(conn, err)
	}
}

// replyStartError sends the single synchronous error response a rejected
// request gets, then closes the connection. Post-admission failures never
// come through here — they ride the fin message instead.
func replyStartError(conn net.Conn, err error) {
	defer conn.Close()
	_, _ = conn.Write(frameMessage(encodeStartError(startErrorCode(err)), false))
}

func dispatch(req *Request, conn net.Conn, c Collaborators) error {
	switch req.ScanType {
	case ScanTypeBasic:
		job, err := StartBasic(req, conn, c.Store, c.Compiler)
		if err != nil {
			return err
		}
		if err := c.Manager.StartJob(job, KindBasic); err != nil {
			job.disownFD()
			return err
		}
		return nil

	case ScanTypeAggr:
		job, err := StartAggr(req, conn, c.Store, c.Runtime, c.ValueEncode)
		if err != nil {
			return err
		}
		if err := c.Manager.StartJob(job, KindAggr); err != nil {
			job.disownFD()
			return err
		}
		return nil

	case ScanTypeUdfBg:
		maxRPS := 0
		if c.BackgroundScanMaxRPS != nil {
			maxRPS = c.BackgroundScanMaxRPS(req.Namespace)
		}
		job, err := StartUdfBg(req, c.Store, c.Dispatcher, c.Compiler, c.Runtime, maxRPS)
		if err != nil {
			return err
		}
		if err := c.Manager.StartJob(job, KindUdfBg); err != nil {
			return err
		}
		return ackAndDetach(conn)

	case ScanTypeOpsBg:
		maxRPS := 0
		if c.BackgroundScanMaxRPS != nil {
			maxRPS = c.BackgroundScanMaxRPS(req.Namespace)
		}
		job, err := StartOpsBg(req, c.Store, c.Dispatcher, c.Compiler, maxRPS)
		if err != nil {
			return err
		}
		if err := c.Manager.StartJob(job, KindOpsBg); err != nil {
			return err
		}
		return ackAndDetach(conn)

	default:
		return errors.New("scan: unknown scan type")
	}
}

// ackAndDetach sends a single synchronous fin-ok frame and closes the
// socket: background jobs never hold the client connection open while
// their sub-transactions run.
func ackAndDetach(conn net.Conn) error {
	defer conn.Close()
	_, err := conn.Write(frameMessage(encodeFin(ReasonOK), false))
	return err
}
