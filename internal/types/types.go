// Package types contains small generic containers used across the engine.
package types
