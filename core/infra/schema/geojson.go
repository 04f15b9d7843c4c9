package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// geometrySchema accepts a GeoJSON geometry, feature, or feature collection.
// Coordinate nesting is validated loosely; exact ring/winding rules belong to
// the analysis backend.
const geometrySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "skylens://geojson",
  "oneOf": [
    {"$ref": "#/definitions/geometry"},
    {"$ref": "#/definitions/feature"},
    {"$ref": "#/definitions/featureCollection"}
  ],
  "definitions": {
    "position": {
      "type": "array",
      "items": {"type": "number"},
      "minItems": 2
    },
    "geometry": {
      "type": "object",
      "required": ["type"],
      "oneOf": [
        {
          "properties": {
            "type": {"enum": ["Point", "MultiPoint", "LineString", "MultiLineString", "Polygon", "MultiPolygon"]},
            "coordinates": {"type": "array"}
          },
          "required": ["type", "coordinates"]
        },
        {
          "properties": {
            "type": {"const": "GeometryCollection"},
            "geometries": {
              "type": "array",
              "items": {"$ref": "#/definitions/geometry"}
            }
          },
          "required": ["type", "geometries"]
        }
      ]
    },
    "feature": {
      "type": "object",
      "properties": {
        "type": {"const": "Feature"},
        "geometry": {
          "oneOf": [{"$ref": "#/definitions/geometry"}, {"type": "null"}]
        },
        "properties": {"type": ["object", "null"]}
      },
      "required": ["type", "geometry"]
    },
    "featureCollection": {
      "type": "object",
      "properties": {
        "type": {"const": "FeatureCollection"},
        "features": {
          "type": "array",
          "items": {"$ref": "#/definitions/feature"}
        }
      },
      "required": ["type", "features"]
    }
  }
}`

var (
	geometryOnce     sync.Once
	geometryCompiled *jsonschema.Schema
	geometryErr      error
)

func compiledGeometrySchema() (*jsonschema.Schema, error) {
	geometryOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("skylens://geojson", strings.NewReader(geometrySchema)); err != nil {
			geometryErr = fmt.Errorf("add geojson schema: %w", err)
			return
		}
		geometryCompiled, geometryErr = compiler.Compile("skylens://geojson")
	})
	return geometryCompiled, geometryErr
}

// ValidateGeometry checks that a submission geometry string is valid JSON and
// conforms to the GeoJSON shape the backend expects.
func ValidateGeometry(geojson string) error {
	var value any
	if err := json.Unmarshal([]byte(geojson), &value); err != nil {
		return fmt.Errorf("not valid json: %w", err)
	}
	compiled, err := compiledGeometrySchema()
	if err != nil {
		return err
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("not a geojson geometry: %w", err)
	}
	return nil
}
