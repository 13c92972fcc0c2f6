package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Snapshot(ctx context.Context, locationID, variantID int64) (int64, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts posted movements per kind.
type MetricsPort interface {
	RecordMovement(kind string)
}

// MovementFilter narrows movement journal listings.
type MovementFilter struct {
	RefModule string
	RefID     string
	Kind      MovementKind
	Limit     int
}

// Service coordinates all stock mutations. Every mutation is journaled and
// applied inside one transaction; a failing line rolls back the whole set.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics}
}

// Snapshot returns the current quantity for (locationID, variantID). A
// missing record reads as zero; dispatch uses this to pre-validate and name
// the specific insufficient variant.
func (s *Service) Snapshot(ctx context.Context, locationID, variantID int64) (int64, error) {
	if locationID == 0 || variantID == 0 {
		return 0, errors.New("ledger: location and variant required")
	}
	return s.repo.Snapshot(ctx, locationID, variantID)
}

// ListMovements lists journal entries for traceability.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

// Adjust applies a signed delta to a single record. A debit that would take
// the quantity below zero is rejected with InsufficientStockError and leaves
// the record unchanged.
func (s *Service) Adjust(ctx context.Context, input AdjustmentInput) (int64, error) {
	if input.LocationID == 0 || input.VariantID == 0 {
		return 0, errors.New("ledger: location and variant required")
	}
	if input.Delta == 0 {
		return 0, ErrInvalidQuantity
	}
	kind := input.Kind
	if kind == "" {
		kind = MovementAdjust
	}

	var newQty int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		record, err := lockOrInit(ctx, tx, input.LocationID, input.VariantID)
		if err != nil {
			return err
		}
		next := record.Quantity + input.Delta
		if next < 0 {
			return &shared.InsufficientStockError{
				LocationID: input.LocationID,
				VariantID:  input.VariantID,
				Requested:  -input.Delta,
				Available:  record.Quantity,
			}
		}
		record.Quantity = next
		if err := tx.UpsertRecord(ctx, record); err != nil {
			return err
		}

		movementID, err := tx.InsertMovement(ctx, Movement{
			Kind:      kind,
			RefModule: input.RefModule,
			RefID:     input.RefID,
			Note:      input.Note,
			ActorID:   input.ActorID,
			PostedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		line := MovementLine{VariantID: input.VariantID, Quantity: abs(input.Delta)}
		if input.Delta < 0 {
			line.SrcLocationID = input.LocationID
		} else {
			line.DstLocationID = input.LocationID
		}
		if err := tx.InsertMovementLines(ctx, movementID, []MovementLine{line}); err != nil {
			return err
		}
		newQty = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.recordPosted(ctx, string(kind), input.ActorID, input.RefID, map[string]any{
		"location_id": input.LocationID,
		"variant_id":  input.VariantID,
		"delta":       input.Delta,
	})
	return newQty, nil
}

// Move debits every line from input.From and credits it to input.To inside
// one transaction. Partial application is never observable: the first
// insufficient line aborts and rolls back all previous ones. A repeated call
// for the same (kind, ref) is rejected before any debit.
func (s *Service) Move(ctx context.Context, input MoveInput) error {
	if err := validateMove(input); err != nil {
		return err
	}

	insertedKey := false
	key := movementKey(input.Kind, input.RefID)
	if s.idempotency != nil && input.RefID != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return err
		}
		insertedKey = true
	}

	if err := s.apply(ctx, input); err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return err
	}
	return nil
}

/// ReverseMove undoes a committed movement: every line flows back from
// input.To to input.From and the movement's idempotency key is released, so
// a caller whose follow-up write failed after the movement committed can
// retry the whole operation. input is the original movement, not the
// inverse.
func (s *Service) ReverseMove(ctx context.Context, input MoveInput) error {
	if err := validateMove(input); err != nil {
		return err
	}

	inverse := input
	inverse.From, inverse.To = input.To, input.From
	inverse.Note = "reversal: " + input.Note
	if err := s.apply(ctx, inverse); err != nil {
		return err
	}
	if s.idempotency != nil && input.RefID != "" {
		if err := s.idempotency.Delete(ctx, movementKey(input.Kind, input.RefID)); err != nil {
			return fmt.Errorf("release movement key: %w", err)
		}
	}
	return nil
}

func validateMove(input MoveInput) error {
	if input.From == 0 || input.To == 0 {
		return errors.New("ledger: source and destination location required")
	}
	if input.From == input.To {
		return errors.New("ledger: source and destination must differ")
	}
	if len(input.Lines) == 0 {
		return errors.New("ledger: movement requires at least one line")
	}
	for _, line := range input.Lines {
		if line.VariantID == 0 || line.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	if input.Kind == "" {
		return errors.New("ledger: movement kind required")
	}
	return nil
}

func movementKey(kind MovementKind, refID string) string {
	return fmt.Sprintf("ledger:%s:%s", kind, refID)
}

func (s *Service) apply(ctx context.Context, input MoveInput) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock both sides of every line in a global order to avoid deadlocks
		// between concurrent movements touching the same records.
		records := make(map[[2]int64]Record)
		for _, ref := range lockOrder(input) {
			record, err := lockOrInit(ctx, tx, ref[0], ref[1])
			if err != nil {
				return err
			}
			records[ref] = record
		}

		for _, line := range input.Lines {
			src := records[[2]int64{input.From, line.VariantID}]
			if src.Quantity < line.Quantity {
				return &shared.InsufficientStockError{
					LocationID: input.From,
					VariantID:  line.VariantID,
					Requested:  line.Quantity,
					Available:  src.Quantity,
				}
			}
			src.Quantity -= line.Quantity
			records[[2]int64{input.From, line.VariantID}] = src

			dst := records[[2]int64{input.To, line.VariantID}]
			dst.Quantity += line.Quantity
			records[[2]int64{input.To, line.VariantID}] = dst
		}

		for _, record := range records {
			if err := tx.UpsertRecord(ctx, record); err != nil {
				return err
			}
		}

		movementID, err := tx.InsertMovement(ctx, Movement{
			Kind:      input.Kind,
			RefModule: input.RefModule,
			RefID:     input.RefID,
			Note:      input.Note,
			ActorID:   input.ActorID,
			PostedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		lines := make([]MovementLine, 0, len(input.Lines))
		for _, line := range input.Lines {
			lines = append(lines, MovementLine{
				VariantID:     line.VariantID,
				Quantity:      line.Quantity,
				SrcLocationID: input.From,
				DstLocationID: input.To,
			})
		}
		return tx.InsertMovementLines(ctx, movementID, lines)
	})
	if err != nil {
		return err
	}

	s.recordPosted(ctx, string(input.Kind), input.ActorID, input.RefID, map[string]any{
		"from":  input.From,
		"to":    input.To,
		"lines": len(input.Lines),
	})
	return nil
}

func (s *Service) recordPosted(ctx context.Context, kind string, actorID int64, refID string, meta map[string]any) {
	if s.metrics != nil {
		s.metrics.RecordMovement(kind)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   fmt.Sprintf("ledger:%s", kind),
			Entity:   "stock_movement",
			EntityID: refID,
			Meta:     meta,
		})
	}
}

func lockOrInit(ctx context.Context, tx TxRepository, locationID, variantID int64) (Record, error) {
	record, err := tx.GetRecordForUpdate(ctx, locationID, variantID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return Record{}, err
	}
	if errors.Is(err, ErrRecordNotFound) {
		record = Record{LocationID: locationID, VariantID: variantID}
	}
	return record, nil
}

// lockOrder returns every (location, variant) pair touched by the movement,
// deduplicated and sorted.
func lockOrder(input MoveInput) [][2]int64 {
	seen := make(map[[2]int64]struct{})
	refs := make([][2]int64, 0, len(input.Lines)*2)
	for _, line := range input.Lines {
		for _, loc := range []int64{input.From, input.To} {
			ref := [2]int64{loc, line.VariantID}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i][0] != refs[j][0] {
			return refs[i][0] < refs[j][0]
		}
		return refs[i][1] < refs[j][1]
	})
	return refs
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
