// Package monitor provides request-span monitoring for HTTP services.
//
// Every request passing through the middleware gets exactly one span: it is
// opened on entry and finalized on exit, even if the handler panics. Finished
// spans are handed to an exporter off the response path, so collector
// failures never change what the caller sees.
//
// Basic usage:
//
//	cfg, err := monitor.LoadConfig(os.Getenv(monitor.EnvConfigFile))
//	if err != nil {
//	    return err
//	}
//	client, err := monitor.New(cfg, monitor.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer client.Shutdown(context.Background())
//
//	http.ListenAndServe(":8000", client.Middleware(router))
//
// Configuration comes from APM_SERVICE_NAME, APM_SERVER_URL,
// APM_SECRET_TOKEN and APM_ENVIRONMENT, with an optional YAML file as
// fallback. Spans are shipped either as NDJSON to the APM server intake API
// or through OTLP, depending on Config.Protocol.
//
// The middleware reads the W3C traceparent header (or X-Trace-Id) and
// X-Request-Id if present, generates them otherwise, and echoes the IDs as
// X-Trace-Id and X-Request-Id response headers.
package monitor
