// Package config loads coordinator and worker settings from an optional
// TOML profile, layered with DISTBUILD_* environment variable overrides.
//
// Precedence, lowest to highest: Default(), the TOML file passed to Load,
// then environment variables. A missing file is not an error; a malformed
// one is.
package config
