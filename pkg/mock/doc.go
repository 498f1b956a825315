// Package mock contains in-memory implementations of the pipeline
// dependencies for tests.
package mock
