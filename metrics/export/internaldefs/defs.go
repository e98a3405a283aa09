package internaldefs

import (
	"github.com/MrEthical07/authgate"
)

// CounterDef names one Engine counter for export.
type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// HistogramDef names one Engine histogram for export.
type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful logins."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed logins, all causes."},
	{ID: authgate.MetricLoginRateLimited, Name: "authgate_login_rate_limited_total", Help: "Login attempts rejected by the rate limiter."},
	{ID: authgate.MetricLoginLocked, Name: "authgate_login_locked_total", Help: "Identities locked after repeated password failures."},
	{ID: authgate.MetricMFARequired, Name: "authgate_mfa_required_total", Help: "Logins answered with a second-factor challenge."},
	{ID: authgate.MetricMFAFailure, Name: "authgate_mfa_failure_total", Help: "Rejected second-factor codes."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refreshes."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refreshes."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Rotated refresh tokens presented again."},
	{ID: authgate.MetricAuthenticateSuccess, Name: "authgate_authenticate_success_total", Help: "Accepted protected requests."},
	{ID: authgate.MetricAuthenticateFailure, Name: "authgate_authenticate_failure_total", Help: "Rejected protected requests."},
	{ID: authgate.MetricSessionCreated, Name: "authgate_session_created_total", Help: "Created sessions."},
	{ID: authgate.MetricSessionRevoked, Name: "authgate_session_revoked_total", Help: "Sessions deactivated individually."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Logouts."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Revoke-all operations."},
	{ID: authgate.MetricTwoFactorEnabled, Name: "authgate_two_factor_enabled_total", Help: "Completed two-factor enrollments."},
	{ID: authgate.MetricTwoFactorDisabled, Name: "authgate_two_factor_disabled_total", Help: "Two-factor removals."},
	{ID: authgate.MetricPasswordResetRequest, Name: "authgate_password_reset_request_total", Help: "Password reset requests."},
	{ID: authgate.MetricPasswordResetSuccess, Name: "authgate_password_reset_success_total", Help: "Completed password resets."},
	{ID: authgate.MetricPasswordResetFailure, Name: "authgate_password_reset_failure_total", Help: "Rejected password reset completions."},
	{ID: authgate.MetricEmailVerificationRequest, Name: "authgate_email_verification_request_total", Help: "Email verification requests."},
	{ID: authgate.MetricEmailVerificationSuccess, Name: "authgate_email_verification_success_total", Help: "Confirmed email addresses."},
	{ID: authgate.MetricEmailVerificationFailure, Name: "authgate_email_verification_failure_total", Help: "Rejected email confirmations."},
	{ID: authgate.MetricRateLimitHit, Name: "authgate_rate_limit_hit_total", Help: "Admission checks that denied a request."},
	{ID: authgate.MetricDependencyTimeout, Name: "authgate_dependency_timeout_total", Help: "Backend calls that exceeded the dependency timeout."},
	{ID: authgate.MetricDependencyUnavailable, Name: "authgate_dependency_unavailable_total", Help: "Backend calls that failed."},
	{ID: authgate.MetricNotificationDropped, Name: "authgate_notification_dropped_total", Help: "Notifications dropped before delivery."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricAuthenticateLatency, Name: "authgate_authenticate_latency_seconds", Help: "Authenticate latency."},
}

// AuditDroppedName is the counter for audit events lost to a full buffer.
const AuditDroppedName = "authgate_audit_dropped_total"

// HistogramUpperBounds are the finite bucket bounds in seconds. The last
// Engine bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters without
// native histograms.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the Engine's eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
