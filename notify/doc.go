// Package notify implements authgate.NotificationSender.
//
// [SMTPSender] delivers plain-text mail through go-mail with an optional
// outbound throttle. [LogSender] only logs that a message would have been sent
// and is meant for development hosts.
package notify
