// Package logx configures stockhub's structured logging.
//
// It wraps zerolog in a small value-type Logger so components can derive
// child loggers with fixed fields while the Service swaps sinks and level at
// runtime (config hot reload):
//   - Console output: short timestamp and short caller
//   - File output: JSON lines
package logx
