package workersdk

import "log/slog"

// Option configures a Worker.
type Option func(*Worker)

// WithListen sets the address Serve listens on (default ":8791").
func WithListen(addr string) Option {
	return func(w *Worker) { w.listen = addr }
}

// WithTransport selects "ws" (default) or "grpc" for Serve.
func WithTransport(transport string) Option {
	return func(w *Worker) { w.transport = transport }
}

// WithToken requires controllers to present this bearer token.
func WithToken(token string) Option {
	return func(w *Worker) { w.token = token }
}

// WithModels sets the catalogue used when a controller reloads without
// sending its own.
func WithModels(models ...Model) Option {
	return func(w *Worker) { w.models = append(w.models, models...) }
}

// WithFeatures declares the device features this worker supports. Models
// requiring anything else are refused on load.
func WithFeatures(features ...string) Option {
	return func(w *Worker) { w.features = append(w.features, features...) }
}

// WithConnectLimit caps new controller connections per client address.
func WithConnectLimit(perMinute, burst int) Option {
	return func(w *Worker) {
		w.connectPerMin = perMinute
		w.connectBurst = burst
	}
}

// WithMaxMessageBytes bounds a single protocol message.
func WithMaxMessageBytes(n int64) Option {
	return func(w *Worker) { w.maxMessageBytes = n }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}
