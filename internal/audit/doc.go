// Package audit delivers security events to a caller-supplied [Sink].
//
// The Engine decides which events exist and when they fire. This package only
// moves them: [Dispatcher] either calls the sink inline or buffers events for a
// single background worker, dropping or blocking when the buffer is full.
// Ready-made sinks cover channels, JSON lines and zap.
//
// It must not import authgate or any sibling internal package.
package audit
