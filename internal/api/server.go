// Package api serves the HTTP read façade: pool listings, trades, candles,
// staking views, health, metrics, and the websocket entry points.
package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
	"github.com/orbitlabs/orbit-indexer/internal/stake"
	"github.com/orbitlabs/orbit-indexer/internal/wshub"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the persistence slice the façade reads from.
type Store interface {
	ListPools(ctx context.Context) ([]*persist.PoolRow, error)
	GetPool(ctx context.Context, poolID string) (*persist.PoolRow, error)
	RecentEvents(ctx context.Context, programID string, limit int) ([]*persist.EventRecord, error)
	ListStakes(ctx context.Context, vaultID string, limit int) ([]*persist.StakeBalance, error)
	NftStakesByOwner(ctx context.Context, owner string) ([]*persist.NftStakeRow, error)
}

// TradeFeed serves recent trades from the in-memory rings.
type TradeFeed interface {
	Recent(poolID string, limit int) []dex.Trade
}

// CandleSource serves persisted-plus-live candle series.
type CandleSource interface {
	GetCandles(ctx context.Context, poolID, timeframe string, limit int) ([]*dex.Candle, error)
}

// VolumeSource serves rolling volume windows.
type VolumeSource interface {
	Windows(poolID string) map[string]*big.Rat
}

// Server wires the router and its dependencies.
type Server struct {
	programID   string
	store       Store
	feed        TradeFeed
	candles     CandleSource
	volumes     VolumeSource
	hub         *wshub.Hub
	tickets     *wshub.TicketStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
	corsOrigins []string
	now         func() time.Time
}

// New builds the API server.
func New(programID string, store Store, feed TradeFeed, candles CandleSource, volumes VolumeSource,
	hub *wshub.Hub, tickets *wshub.TicketStore, m *metrics.Metrics, corsOrigins []string, logger *zap.Logger) *Server {
	return &Server{
		programID:   programID,
		store:       store,
		feed:        feed,
		candles:     candles,
		volumes:     volumes,
		hub:         hub,
		tickets:     tickets,
		metrics:     m,
		logger:      logger.With(zap.String("component", "api")),
		corsOrigins: corsOrigins,
		now:         time.Now,
	}
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/trades", s.handlePoolTrades).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/candles", s.handlePoolCandles).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/volume", s.handlePoolVolume).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/vaults/{id}/stakes", s.handleVaultStakes).Methods(http.MethodGet)
	api.HandleFunc("/nft-stakes", s.handleNftStakes).Methods(http.MethodGet)

	r.HandleFunc("/ws/ticket", s.handleWSTicket).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)

	return s.cors(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"ticket": s.tickets.Mint()})
}

type poolJSON struct {
	PoolID         string  `json:"poolId"`
	BaseMint       string  `json:"baseMint"`
	QuoteMint      string  `json:"quoteMint"`
	BaseDecimals   int     `json:"baseDecimals"`
	QuoteDecimals  int     `json:"quoteDecimals"`
	ActiveBin      int32   `json:"activeBin"`
	LastPriceQuote float64 `json:"lastPriceQuote"`
	LiquidityQuote float64 `json:"liquidityQuote"`
	TVLLockedQuote float64 `json:"tvlLockedQuote"`
	CreatorFeeUI   float64 `json:"creatorFeeUi"`
	HoldersFeeUI   float64 `json:"holdersFeeUi"`
	NFTFeeUI       float64 `json:"nftFeeUi"`
	LastUpdateSlot *uint64 `json:"lastUpdateSlot"`
}

func poolView(p *persist.PoolRow) poolJSON {
	return poolJSON{
		PoolID:         p.PoolID,
		BaseMint:       p.BaseMint,
		QuoteMint:      p.QuoteMint,
		BaseDecimals:   p.BaseDecimals,
		QuoteDecimals:  p.QuoteDecimals,
		ActiveBin:      p.ActiveBin,
		LastPriceQuote: p.LastPriceQuote,
		LiquidityQuote: p.LiquidityQuote,
		TVLLockedQuote: p.TVLLockedQuote,
		CreatorFeeUI:   p.CreatorFeeUI,
		HoldersFeeUI:   p.HoldersFeeUI,
		NFTFeeUI:       p.NFTFeeUI,
		LastUpdateSlot: p.LastUpdateSlot,
	}
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		s.logger.Error("list pools failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list pools")
		return
	}
	views := make([]poolJSON, 0, len(pools))
	for _, p := range pools {
		views = append(views, poolView(p))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pools": views})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	p, err := s.store.GetPool(r.Context(), poolID)
	if err != nil {
		s.logger.Error("get pool failed", zap.String("pool", poolID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "pool not found")
		return
	}
	respondJSON(w, http.StatusOK, poolView(p))
}

type tradeJSON struct {
	Signature   string  `json:"signature"`
	Slot        uint64  `json:"slot"`
	BlockTime   *int64  `json:"blockTime"`
	User        string  `json:"user"`
	InMint      string  `json:"inMint"`
	OutMint     string  `json:"outMint"`
	AmountIn    string  `json:"amountInRaw"`
	AmountOut   string  `json:"amountOutRaw"`
	PriceQuote  float64 `json:"priceQuote"`
	VolumeQuote float64 `json:"volumeQuote"`
}

func (s *Server) handlePoolTrades(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	limit := queryLimit(r, defaultLimit)
	trades := s.feed.Recent(poolID, limit)
	views := make([]tradeJSON, 0, len(trades))
	for _, t := range trades {
		v := tradeJSON{
			Signature: t.Signature,
			Slot:      t.Slot,
			BlockTime: t.BlockTime,
			User:      t.User,
			InMint:    t.InMint,
			OutMint:   t.OutMint,
		}
		if t.AmountIn != nil {
			v.AmountIn = t.AmountIn.String()
		}
		if t.AmountOut != nil {
			v.AmountOut = t.AmountOut.String()
		}
		if price, volume, ok := t.PriceAndVolume(); ok {
			v.PriceQuote = dex.RatFloat(price)
			v.VolumeQuote = dex.RatFloat(volume)
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pool": poolID, "trades": views})
}

type candleJSON struct {
	BucketStart int64   `json:"bucketStartSec"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volumeQuote"`
	Trades      int64   `json:"trades"`
}

func (s *Server) handlePoolCandles(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	tf := r.URL.Query().Get("tf")
	if tf == "" {
		tf = "1m"
	}
	if !validTimeframe(tf) {
		respondError(w, http.StatusBadRequest, "unknown timeframe")
		return
	}
	limit := queryLimit(r, 100)

	candles, err := s.candles.GetCandles(r.Context(), poolID, tf, limit)
	if err != nil {
		s.logger.Error("candle query failed", zap.String("pool", poolID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load candles")
		return
	}
	views := make([]candleJSON, 0, len(candles))
	for _, c := range candles {
		views = append(views, candleJSON{
			BucketStart: c.BucketStartSec,
			Open:        dex.RatFloat(c.Open),
			High:        dex.RatFloat(c.High),
			Low:         dex.RatFloat(c.Low),
			Close:       dex.RatFloat(c.Close),
			Volume:      dex.RatFloat(c.VolumeQuote),
			Trades:      c.TradesCount,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pool": poolID, "timeframe": tf, "candles": views,
	})
}

func (s *Server) handlePoolVolume(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	windows := s.volumes.Windows(poolID)
	out := make(map[string]float64, len(windows))
	for label, v := range windows {
		out[label] = dex.RatFloat(v)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pool": poolID, "volumes": out})
}

type eventJSON struct {
	Signature  string                 `json:"signature"`
	Slot       uint64                 `json:"slot"`
	BlockTime  *int64                 `json:"blockTime"`
	EventType  string                 `json:"eventType"`
	TxnIndex   int                    `json:"txnIndex"`
	EventIndex int                    `json:"eventIndex"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultLimit)
	events, err := s.store.RecentEvents(r.Context(), s.programID, limit)
	if err != nil {
		s.logger.Error("event query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	views := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		views = append(views, eventJSON{
			Signature:  ev.Signature,
			Slot:       ev.Slot,
			BlockTime:  ev.BlockTime,
			EventType:  ev.EventType,
			TxnIndex:   ev.TxnIndex,
			EventIndex: ev.EventIndex,
			Data:       ev.EventData,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func (s *Server) handleVaultStakes(w http.ResponseWriter, r *http.Request) {
	vaultID := mux.Vars(r)["id"]
	limit := queryLimit(r, 100)
	stakes, err := s.store.ListStakes(r.Context(), vaultID, limit)
	if err != nil {
		s.logger.Error("stake query failed", zap.String("vault", vaultID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load stakes")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"vault": vaultID, "stakes": stakes})
}

type nftStakeJSON struct {
	NftMint         string  `json:"nftMint"`
	Owner           string  `json:"owner"`
	StakeAccount    string  `json:"stakeAccount"`
	LockDurationSec int64   `json:"lockDurationSec"`
	UnlockAtSec     int64   `json:"unlockAtSec"`
	Status          string  `json:"status"`
	AssociatedPool  *string `json:"associatedPool"`
}

func (s *Server) handleNftStakes(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		respondError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	rows, err := s.store.NftStakesByOwner(r.Context(), owner)
	if err != nil {
		s.logger.Error("nft stake query failed", zap.String("owner", owner), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load nft stakes")
		return
	}
	now := s.now().Unix()
	views := make([]nftStakeJSON, 0, len(rows))
	for _, row := range rows {
		status := row.Status
		// active flips to unlocked by clock without a chain event
		if status == stake.NftStatusActive {
			status = stake.NftStatusFor(row.UnlockAtSec, now)
		}
		views = append(views, nftStakeJSON{
			NftMint:         row.NftMint,
			Owner:           row.Owner,
			StakeAccount:    row.StakeAccount,
			LockDurationSec: row.LockDurationSec,
			UnlockAtSec:     row.UnlockAtSec,
			Status:          status,
			AssociatedPool:  row.AssociatedPool,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"owner": owner, "stakes": views})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func validTimeframe(label string) bool {
	for _, tf := range dex.CandleTimeframes {
		if tf.Label == label {
			return true
		}
	}
	return false
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
