package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
	"github.com/cloudx-io/escrowauction/identity"
	"github.com/cloudx-io/escrowauction/metrics"
	"github.com/cloudx-io/escrowauction/store"
)

const maxRequestSize = 1 << 20

// ServerConfig wires the daemon's collaborators.
type ServerConfig struct {
	Auction  *core.Auction
	Payments core.Payments
	Store    *store.Store
	Resolver *identity.Resolver
	Keys     *KeyManager
	Clock    core.Clock

	// Attester is nil outside a Nitro enclave.
	Attester EnclaveAttester
	// Vault enables the deposit request. Set in dev mode only.
	Vault   *escrow.Vault
	Limiter *RateLimiter

	MaxWorkers  int
	ReadTimeout time.Duration
}

// Server answers auction requests, one JSON request per connection.
type Server struct {
	conf ServerConfig
}

// NewServer validates conf and returns a server.
func NewServer(conf ServerConfig) (*Server, error) {
	if conf.Auction == nil || conf.Payments == nil || conf.Store == nil {
		return nil, errors.New("auction, payments and store are required")
	}
	if conf.Resolver == nil || conf.Keys == nil {
		return nil, errors.New("identity resolver and key manager are required")
	}
	if conf.Clock == nil {
		conf.Clock = core.SystemClock{}
	}
	if conf.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", conf.MaxWorkers)
	}
	if conf.ReadTimeout <= 0 {
		conf.ReadTimeout = 30 * time.Second
	}
	return &Server{conf: conf}, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	semaphore := make(chan struct{}, s.conf.MaxWorkers)
	log.Infof("worker pool initialized with %d max concurrent workers", s.conf.MaxWorkers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Errorf("accepting connection: %s", err)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }() // Release worker slot
				s.handleConnection(ctx, c)
			}(conn)
		default:
			log.Infof("no workers available, rejecting connection (pool full)")
			metrics.RecordRejectedConnection("pool_full")
			if err := conn.Close(); err != nil {
				log.Errorf("closing rejected connection: %s", err)
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic recovered in handleConnection: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Errorf("closing connection: %s", err)
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout)); err != nil {
		log.Errorf("setting read deadline: %s", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(conn, maxRequestSize)); err != nil {
		log.Errorf("reading request: %s", err)
		return
	}

	var response any
	if !s.conf.Limiter.Allow(remoteHost(conn.RemoteAddr())) {
		metrics.RecordRejectedConnection("rate_limited")
		response = auctionapi.NewErrorResponse(auctionapi.ErrRateLimited)
	} else {
		response = s.Handle(ctx, buf.Bytes())
	}

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Errorf("encoding response: %s", err)
	}
}

// Handle decodes one request and returns its response.
func (s *Server) Handle(ctx context.Context, raw []byte) any {
	var base auctionapi.Request
	if err := json.Unmarshal(raw, &base); err != nil {
		return s.fail("", fmt.Errorf("%w: decoding request: %v", auctionapi.ErrBadRequest, err))
	}

	done := metrics.StartRequest(base.Type)
	log.Debugf("received request type: %s", base.Type)

	response, err := s.dispatch(ctx, base, raw)
	if err != nil {
		done(string(auctionapi.CodeFor(err)))
		return s.fail(base.Type, err)
	}
	done("ok")
	return response
}

func (s *Server) fail(requestType string, err error) auctionapi.ErrorResponse {
	resp := auctionapi.NewErrorResponse(err)
	if resp.Code == auctionapi.CodeInternal || resp.Code == auctionapi.CodeJournal {
		log.Errorf("%s failed: %s", requestType, err)
	} else {
		log.Infof("%s rejected: %s", requestType, err)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, base auctionapi.Request, raw []byte) (any, error) {
	a := s.conf.Auction

	switch base.Type {
	case auctionapi.TypePing:
		return auctionapi.PongResponse{
			Type:      "pong",
			Message:   "auction server is healthy",
			Timestamp: s.conf.Clock.Now().Unix(),
		}, nil

	case auctionapi.TypeKeyRequest:
		return HandleKeyRequest(s.conf.Attester, s.conf.Keys, a.ID())

	case auctionapi.TypeDeposit:
		if s.conf.Vault == nil {
			return nil, fmt.Errorf("%w: deposits are only accepted in dev mode", auctionapi.ErrBadRequest)
		}
		var req auctionapi.DepositRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		if err := s.conf.Vault.Deposit(ctx, caller, req.Amount); err != nil {
			if errors.Is(err, escrow.ErrPersist) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", auctionapi.ErrBadRequest, err)
		}
		return auctionapi.DepositResponse{
			Type:   "deposit_response",
			Bidder: caller,
			Wallet: s.conf.Vault.Wallet(caller),
		}, nil

	case auctionapi.TypePlaceBid:
		var req auctionapi.PlaceBidRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		bid, err := a.PlaceBid(ctx, caller, req.Amount, s.conf.Clock.Now())
		if err != nil {
			return nil, err
		}
		s.recordEscrow(ctx)
		status := a.Status(s.conf.Clock.Now())
		log.Infof("bid %s by %s for %s accepted", bid.ID, caller, humanize.Comma(bid.Amount))
		return auctionapi.BidResponse{
			Type:           "bid_response",
			Bid:            bid,
			Deadline:       status.Deadline.Unix(),
			MinimumNextBid: status.MinimumNextBid,
		}, nil

	case auctionapi.TypePartialRefund:
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		amount, err := a.PartialRefund(ctx, caller, s.conf.Clock.Now())
		if err != nil && !errors.Is(err, core.ErrJournal) {
			return nil, err
		}
		s.recordEscrow(ctx)
		return amountResponse("partial_refund_response", caller, amount, err), nil

	case auctionapi.TypeFinalize:
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		settlement, err := a.Finalize(ctx, caller, s.conf.Clock.Now())
		if settlement == nil {
			return nil, err
		}
		s.recordEscrow(ctx)
		resp := auctionapi.SettlementResponse{
			Type:       "settlement_response",
			Success:    err == nil,
			Settlement: settlement,
		}
		if err != nil {
			// The auction has ended; failed payouts stay claimable.
			log.Warnf("finalize completed with failures: %s", err)
			resp.Message = err.Error()
		}
		return resp, nil

	case auctionapi.TypeClaimRefund:
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		amount, err := a.ClaimRefund(ctx, caller, s.conf.Clock.Now())
		if err != nil && !errors.Is(err, core.ErrJournal) {
			return nil, err
		}
		s.recordEscrow(ctx)
		return amountResponse("claim_refund_response", caller, amount, err), nil

	case auctionapi.TypeEmergencyWithdraw:
		caller, err := s.caller(base)
		if err != nil {
			return nil, err
		}
		amount, err := a.EmergencyWithdraw(ctx, caller, s.conf.Clock.Now())
		if err != nil {
			return nil, err
		}
		s.recordEscrow(ctx)
		return auctionapi.AmountResponse{Type: "emergency_withdraw_response", Caller: caller, Amount: amount}, nil

	case auctionapi.TypeGetWinner:
		resp := auctionapi.WinnerResponse{Type: "winner_response"}
		if w, ok := a.Winner(); ok {
			resp.Found = true
			resp.Amount = w.Amount
			resp.Bidder = w.Bidder
			resp.BidID = w.ID
		}
		return resp, nil

	case auctionapi.TypeListBids:
		var req auctionapi.ListBidsRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		bids, err := s.conf.Store.ListBids(ctx, a.ID(), store.Query{Offset: req.Offset, Limit: req.Limit})
		if err != nil {
			return nil, err
		}
		if bids == nil {
			bids = []core.Bid{}
		}
		return auctionapi.BidsResponse{Type: "bids_response", Bids: bids}, nil

	case auctionapi.TypeGetStatus:
		return auctionapi.StatusResponse{Type: "status_response", Status: a.Status(s.conf.Clock.Now())}, nil

	case auctionapi.TypeGetParticipant:
		var req auctionapi.GetParticipantRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.Bidder == "" {
			return nil, fmt.Errorf("%w: bidder", core.ErrInvalidIdentity)
		}
		p, ok := a.Participant(req.Bidder)
		return auctionapi.ParticipantResponse{Type: "participant_response", Found: ok, Participant: p}, nil

	case auctionapi.TypeGetStandings:
		return auctionapi.StandingsResponse{Type: "standings_response", Standings: a.Standings()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown request type %q", auctionapi.ErrBadRequest, base.Type)
	}
}

// amountResponse reports value that has already moved. A journal error is
// passed on as a warning in the response.
func amountResponse(respType string, caller core.Identity, amount int64, journalErr error) auctionapi.AmountResponse {
	resp := auctionapi.AmountResponse{Type: respType, Caller: caller, Amount: amount}
	if journalErr != nil {
		log.Warnf("%s for %s completed but was not journaled: %s", respType, caller, journalErr)
		resp.Message = journalErr.Error()
	}
	return resp
}

func (s *Server) caller(base auctionapi.Request) (core.Identity, error) {
	who, _, err := s.conf.Resolver.Resolve(base.Token)
	return who, err
}

func (s *Server) recordEscrow(ctx context.Context) {
	balance, err := s.conf.Payments.Balance(ctx)
	if err != nil {
		log.Warnf("reading escrow balance: %s", err)
		return
	}
	metrics.RecordEscrowBalance(balance)
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", auctionapi.ErrBadRequest, err)
	}
	return nil
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
