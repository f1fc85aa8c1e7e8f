package folio

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/utils"
)

// Ranges is the operator-facing face of the range catalog. The store itself
// does not enforce overlap rules; this layer runs the pre-flight checks the
// admin flow needs before touching the catalog.
type Ranges struct {
	store    storage.Store
	validate *validator.Validate
}

func NewRanges(store storage.Store) *Ranges {
	return &Ranges{
		store:    store,
		validate: validator.New(),
	}
}

// Create validates the upload and inserts the range. The inclusive End of the
// authorization document is converted to the exclusive boundary stored
// internally.
func (r *Ranges) Create(ctx context.Context, input *models.NewNumericRange) (*models.NumericRange, error) {
	if err := r.validate.Struct(input); err != nil {
		return nil, utils.NewValidationError("invalid range input: %v", err)
	}
	env, err := models.ParseEnvironment(input.Environment)
	if err != nil {
		return nil, utils.NewValidationError("%v", err)
	}
	if input.End < input.Start {
		return nil, utils.NewValidationError("range end %d is before start %d", input.End, input.Start)
	}

	end := input.End + 1 // exclusive
	overlaps, err := r.store.RangeOverlaps(ctx, models.DocumentType(input.DocumentType), input.Start, end, 0, env)
	if err != nil {
		return nil, err
	}
	if overlaps {
		return nil, utils.NewValidationError("range [%d,%d] overlaps an existing range for document type %d", input.Start, input.End, input.DocumentType)
	}

	nr := models.NumericRange{
		DocumentType: models.DocumentType(input.DocumentType),
		Environment:  env,
		Start:        input.Start,
		End:          end,
	}
	if _, err := r.store.InsertRange(ctx, &nr); err != nil {
		return nil, err
	}
	return &nr, nil
}

func (r *Ranges) Update(ctx context.Context, id int, input *models.NewNumericRange) (bool, error) {
	if err := r.validate.Struct(input); err != nil {
		return false, utils.NewValidationError("invalid range input: %v", err)
	}
	env, err := models.ParseEnvironment(input.Environment)
	if err != nil {
		return false, utils.NewValidationError("%v", err)
	}
	if input.End < input.Start {
		return false, utils.NewValidationError("range end %d is before start %d", input.End, input.Start)
	}

	end := input.End + 1
	overlaps, err := r.store.RangeOverlaps(ctx, models.DocumentType(input.DocumentType), input.Start, end, id, env)
	if err != nil {
		return false, err
	}
	if overlaps {
		return false, utils.NewValidationError("range [%d,%d] overlaps an existing range for document type %d", input.Start, input.End, input.DocumentType)
	}

	return r.store.UpdateRange(ctx, &models.NumericRange{
		ID:           id,
		DocumentType: models.DocumentType(input.DocumentType),
		Environment:  env,
		Start:        input.Start,
		End:          end,
	})
}

func (r *Ranges) Delete(ctx context.Context, id int) (bool, error) {
	return r.store.DeleteRange(ctx, id)
}

func (r *Ranges) Get(ctx context.Context, id int) (*models.NumericRange, error) {
	return r.store.GetRange(ctx, id)
}

func (r *Ranges) ListByType(ctx context.Context, docType models.DocumentType, env models.Environment) ([]models.NumericRange, error) {
	return r.store.ListRangesByType(ctx, docType, env)
}

func (r *Ranges) Overlaps(ctx context.Context, docType models.DocumentType, start, end int64, excludeId int, env models.Environment) (bool, error) {
	return r.store.RangeOverlaps(ctx, docType, start, end, excludeId, env)
}

// FindContaining locates the authorized range holding folio, or nil. Callers
// use it to confirm an engine-prepared document's folio before submission.
func (r *Ranges) FindContaining(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (*models.NumericRange, error) {
	return r.store.FindRangeContaining(ctx, docType, folio, env)
}

// StoreCredential canonicalizes the authorization blob before persisting it.
// Authorities validate the exact encoding of the key material, so the rewrap
// must be byte-for-byte equivalent to the issued form.
func (r *Ranges) StoreCredential(ctx context.Context, id int, blob []byte, filename string) error {
	return r.store.StoreRangeCredential(ctx, id, CanonicalizeCredential(blob), filename)
}
