// Package log is the structured logging port shared by the relay, the
// connection manager, the correlation client and the migration driver.
//
// Components accept a [Logger] and never import a concrete logging library.
// The CLI wires [ZerologAdapter]; tests and embedders that want silence use
// [NoopLogger]:
//
//	var logger log.Logger = log.NewZerologAdapterWithLogger(zerolog.New(os.Stderr))
//	logger = logger.With(log.String("component", "relay"))
//
// Fields are typed helpers ([String], [Int], [Bool], [Duration], [Err],
// [Any]) so adapters can map them onto native encoders without reflection.
package log
