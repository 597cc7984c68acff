// Package setup holds runtime configuration for aibmoe: default locations,
// loading of YAML or TOML configuration files and validation.
//
// Like the rest of the scripts-and-constants code in this repository it is
// allowed to log through a package logger, see SetLogger.
package setup
