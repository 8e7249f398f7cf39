package vector

import (
	"context"
	"errors"
	"net/http"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/schema"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaAdapter implements SchemaClient on the Weaviate schema API.
type SchemaAdapter struct {
	schema *schema.API
}

func NewSchemaAdapter(client *weaviate.Client) *SchemaAdapter {
	return &SchemaAdapter{schema: client.Schema()}
}

func (a *SchemaAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.schema.ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.schema.ClassCreator().WithClass(class).Do(ctx)
}

func (a *SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.schema.ClassGetter().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.schema.PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

// DeleteClass drops the class and every chunk in it. A class that is
// already gone is not an error, so two concurrent clears both succeed.
func (a *SchemaAdapter) DeleteClass(ctx context.Context, className string) error {
	err := a.schema.ClassDeleter().WithClassName(className).Do(ctx)
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
