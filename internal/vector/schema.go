package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// DefaultClass holds the site chunks.
const DefaultClass = "SiteChunk"

const distanceMetric = "cosine"

// ErrDistanceMismatch means an existing class ranks by a metric other than
// cosine, so Hit scores would not be similarities.
var ErrDistanceMismatch = errors.New("vector class does not use cosine distance")

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
	DeleteClass(ctx context.Context, className string) error
}

func properties() []*models.Property {
	return []*models.Property{
		{
			Name:     "text",
			DataType: []string{"text"},
		},
		{
			Name:         "url",
			DataType:     []string{"text"},
			Tokenization: "field", // exact match for filters
		},
		{
			Name:         "contentType",
			DataType:     []string{"text"},
			Tokenization: "field",
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
	}
}

// EnsureSchema creates the chunk class with cosine distance if it is
// missing, or adds properties an older class lacks.
func EnsureSchema(ctx context.Context, client SchemaClient, className string) error {
	if className == "" {
		className = DefaultClass
	}
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	props := properties()
	if !exists {
		class := &models.Class{
			Class:             className,
			Description:       "A chunk of text extracted from a crawled page or document",
			Vectorizer:        "none",
			VectorIndexConfig: map[string]interface{}{"distance": distanceMetric},
			Properties:        props,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	if d := distanceOf(class); d != "" && d != distanceMetric {
		return fmt.Errorf("%w: class %s uses %q", ErrDistanceMismatch, className, d)
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range props {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}

func distanceOf(class *models.Class) string {
	if class == nil {
		return ""
	}
	cfg, ok := class.VectorIndexConfig.(map[string]interface{})
	if !ok {
		return ""
	}
	d, _ := cfg["distance"].(string)
	return d
}

// ResetClass drops the class with all its objects and recreates it empty.
func ResetClass(ctx context.Context, client SchemaClient, className string) error {
	if className == "" {
		className = DefaultClass
	}
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}
	if exists {
		if err := client.DeleteClass(ctx, className); err != nil {
			return err
		}
	}
	return EnsureSchema(ctx, client, className)
}
