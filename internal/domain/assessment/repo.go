package assessment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Assessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error)
	// Update writes a only while the stored row still has status from. A
	// row in any other status is left untouched and ErrClosed is returned.
	Update(ctx context.Context, a *Assessment, from Status) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error)
}
