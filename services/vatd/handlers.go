package vatd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"vatcore/native/auction"
	"vatcore/native/common"
	"vatcore/native/dog"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/native/spotter"
)

const requestLimit = 1 << 16

type globalView struct {
	TotalDebtIssued string `json:"totalDebtIssued"`
	DebtCeiling     string `json:"debtCeiling"`
	Surplus         string `json:"surplus"`
	UnbackedDebt    string `json:"unbackedDebt"`
}

type classView struct {
	ID              string `json:"id"`
	RateIndex       string `json:"rateIndex"`
	PriceBound      string `json:"priceBound"`
	TotalNormalized string `json:"totalNormalized"`
	TotalDebt       string `json:"totalDebt"`
	DebtCeiling     string `json:"debtCeiling"`
	DustFloor       string `json:"dustFloor"`
}

type positionView struct {
	Class            string `json:"class"`
	Owner            string `json:"owner"`
	LockedCollateral string `json:"lockedCollateral"`
	NormalizedDebt   string `json:"normalizedDebt"`
	Debt             string `json:"debt"`
}

type auctionView struct {
	ID           uint64 `json:"id"`
	Class        string `json:"class"`
	Lot          string `json:"lot"`
	Tab          string `json:"tab"`
	Top          string `json:"top"`
	StartedAt    int64  `json:"startedAt"`
	Owner        string `json:"owner"`
	CurrentPrice string `json:"currentPrice"`
	NeedsRedo    bool   `json:"needsRedo"`
}

func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.GlobalSnapshot()
	writeJSON(w, http.StatusOK, globalView{
		TotalDebtIssued: snap.TotalDebtIssued.Dec(),
		DebtCeiling:     snap.DebtCeiling.Dec(),
		Surplus:         snap.Surplus.Dec(),
		UnbackedDebt:    snap.UnbackedDebt.Dec(),
	})
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	ids := s.ledger.ClassIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	writeJSON(w, http.StatusOK, map[string][]string{"classes": out})
}

func (s *Server) handleClass(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	snap, err := s.ledger.ClassSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classView{
		ID:              string(snap.ID),
		RateIndex:       snap.RateIndex.Dec(),
		PriceBound:      snap.PriceBound.Dec(),
		TotalNormalized: snap.TotalNormalized.Dec(),
		TotalDebt:       snap.TotalDebt.Dec(),
		DebtCeiling:     snap.DebtCeiling.Dec(),
		DustFloor:       snap.DustFloor.Dec(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	owner := chi.URLParam(r, "owner")
	snap, err := s.ledger.PositionSnapshot(id, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView{
		Class:            string(snap.Class),
		Owner:            snap.Owner,
		LockedCollateral: snap.LockedCollateral.Dec(),
		NormalizedDebt:   snap.NormalizedDebt.Dec(),
		Debt:             snap.Debt.Dec(),
	})
}

func (s *Server) handleAuctions(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Active()
	out := make([]auctionView, 0, len(ids))
	for _, id := range ids {
		snap, err := s.engine.AuctionSnapshot(id)
		if err != nil {
			continue
		}
		out = append(out, newAuctionView(snap))
	}
	s.metrics.SetActiveAuctions(len(ids))
	writeJSON(w, http.StatusOK, map[string][]auctionView{"auctions": out})
}

func (s *Server) handleAuction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, errors.New("invalid auction id"))
		return
	}
	snap, err := s.engine.AuctionSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(snap))
}

func newAuctionView(snap auction.Snapshot) auctionView {
	return auctionView{
		ID:           snap.ID,
		Class:        string(snap.Class),
		Lot:          snap.Lot.Dec(),
		Tab:          snap.Tab.Dec(),
		Top:          snap.Top.Dec(),
		StartedAt:    snap.StartedAt.Unix(),
		Owner:        snap.Owner,
		CurrentPrice: snap.CurrentPrice.Dec(),
		NeedsRedo:    snap.NeedsRedo,
	}
}

func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	price, err := s.spotter.Poke(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": price.Dec()})
}

func (s *Server) handleDrip(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	index, err := s.jug.Drip(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ObserveDrip(string(id))
	writeJSON(w, http.StatusOK, map[string]string{"rateIndex": index.Dec()})
}

type barkRequest struct {
	Owner  string `json:"owner"`
	Keeper string `json:"keeper"`
}

func (s *Server) handleBark(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	var req barkRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Owner == "" {
		writeBadRequest(w, errors.New("owner is required"))
		return
	}
	res, err := s.dog.Bark(id, req.Owner, req.Keeper)
	if err != nil {
		s.metrics.ObserveBarkRejected(reason(err))
		writeError(w, err)
		return
	}
	s.metrics.ObserveBark(string(id))
	writeJSON(w, http.StatusOK, map[string]string{
		"auctionId":  strconv.FormatUint(res.AuctionID, 10),
		"tab":        res.Tab.Dec(),
		"collateral": res.Collateral.Dec(),
		"incentive":  res.Incentive.Dec(),
	})
}

type takeRequest struct {
	MaxLot   string `json:"maxLot"`
	MaxPrice string `json:"maxPrice"`
	Buyer    string `json:"buyer"`
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, errors.New("invalid auction id"))
		return
	}
	var req takeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	maxLot, err := parseAmount(req.MaxLot)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	maxPrice, err := parseAmount(req.MaxPrice)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Buyer == "" {
		writeBadRequest(w, errors.New("buyer is required"))
		return
	}
	class := "unknown"
	if snap, snapErr := s.engine.AuctionSnapshot(id); snapErr == nil {
		class = string(snap.Class)
	}
	res, err := s.engine.Take(id, maxLot, maxPrice, req.Buyer)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ObserveTake(class)
	out := map[string]any{
		"slice":   res.Slice.Dec(),
		"owe":     res.Owe.Dec(),
		"price":   res.Price.Dec(),
		"settled": res.Settled,
	}
	if res.LotReturned != nil {
		out["lotReturned"] = res.LotReturned.Dec()
	}
	writeJSON(w, http.StatusOK, out)
}

type redoRequest struct {
	Keeper string `json:"keeper"`
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, errors.New("invalid auction id"))
		return
	}
	var req redoRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.engine.Redo(id, req.Keeper); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.AuctionSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ObserveRedo(string(snap.Class))
	writeJSON(w, http.StatusOK, newAuctionView(snap))
}

type haltRequest struct {
	Module string `json:"module"`
	Halted bool   `json:"halted"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Module == "" {
		writeBadRequest(w, errors.New("module is required"))
		return
	}
	s.breakers.SetHalted(req.Module, req.Halted)
	s.logger.Info("module halt updated", "module", req.Module, "halted", req.Halted)
	writeJSON(w, http.StatusOK, map[string]bool{"halted": req.Halted})
}

type classParamsRequest struct {
	DebtCeiling string `json:"debtCeiling,omitempty"`
	DustFloor   string `json:"dustFloor,omitempty"`
	Duty        string `json:"duty,omitempty"`
}

func (s *Server) handleClassParams(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClassID(chi.URLParam(r, "class"))
	var req classParamsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.DebtCeiling != "" {
		ceiling, err := parseAmount(req.DebtCeiling)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		if err := s.ledger.SetClassDebtCeiling(s.ident, id, ceiling); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.DustFloor != "" {
		dust, err := parseAmount(req.DustFloor)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		if err := s.ledger.SetDustFloor(s.ident, id, dust); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Duty != "" {
		duty, err := parseAmount(req.Duty)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		if err := s.jug.SetDuty(id, duty); err != nil {
			writeError(w, err)
			return
		}
	}
	s.logger.Info("class parameters updated", "class", id)
	w.WriteHeader(http.StatusNoContent)
}

type postPriceRequest struct {
	Price string `json:"price"` // ray
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "price feed not configured"})
		return
	}
	id := ledger.ClassID(chi.URLParam(r, "class"))
	var req postPriceRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.feed.SetPrice(id, price, time.Now())
	w.WriteHeader(http.StatusNoContent)
}

func decodeRequest(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	return json.Unmarshal(data, out)
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.New("invalid amount " + strconv.Quote(s))
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownClass),
		errors.Is(err, auction.ErrUnknownAuction),
		errors.Is(err, auction.ErrUnknownClass),
		errors.Is(err, dog.ErrUnknownClass),
		errors.Is(err, spotter.ErrUnknownClass),
		errors.Is(err, jug.ErrUnknownClass):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, auction.ErrInvalidAmount),
		errors.Is(err, auction.ErrInvalidParams),
		errors.Is(err, spotter.ErrInvalidMargin),
		errors.Is(err, jug.ErrInvalidDuty):
		return http.StatusBadRequest
	case errors.Is(err, spotter.ErrStalePrice),
		errors.Is(err, spotter.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrModuleHalted):
		return http.StatusLocked
	case errors.Is(err, dog.ErrSafePosition),
		errors.Is(err, dog.ErrClassCapExceeded),
		errors.Is(err, dog.ErrGlobalCapExceeded),
		errors.Is(err, ledger.ErrInsolvent),
		errors.Is(err, ledger.ErrDustViolation),
		errors.Is(err, ledger.ErrDebtCeilingExceeded),
		errors.Is(err, ledger.ErrGlobalCeilingExceeded),
		errors.Is(err, ledger.ErrRateRegression),
		errors.Is(err, auction.ErrNeedsRedo),
		errors.Is(err, auction.ErrNoRedoNeeded),
		errors.Is(err, auction.ErrPriceTooHigh),
		errors.Is(err, auction.ErrDustyFill),
		errors.Is(err, auction.ErrZeroStartPrice):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, dog.ErrSafePosition):
		return "safe"
	case errors.Is(err, dog.ErrClassCapExceeded):
		return "class_cap"
	case errors.Is(err, dog.ErrGlobalCapExceeded):
		return "global_cap"
	case errors.Is(err, common.ErrModuleHalted):
		return "halted"
	default:
		return "other"
	}
}
