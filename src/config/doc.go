// Package config defines the configuration of a mesh node, its default
// values, and the construction of the shared logger.
package config
