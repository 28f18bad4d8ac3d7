// Package logx is cronservice's structured logging on top of zerolog.
//
// A Service fans each line out to a readable console writer, a JSON log file
// and, optionally, a rate-limited Sender for operators. Loggers obtained from
// it follow later Apply calls.
package logx
