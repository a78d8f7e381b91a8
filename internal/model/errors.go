package model

import "errors"

// Lookup errors for ownership-scoped access. A row owned by another user is
// reported the same way as a missing one.
var (
	ErrTargetDoesNotExist             = errors.New("target does not exist")
	ErrScrapingURLDoesNotExist        = errors.New("scraping url does not exist")
	ErrNotificationConfigDoesNotExist = errors.New("notification config does not exist")
)

// ErrURLQuotaExceeded is returned when a target already has the maximum
// number of scraping URLs.
var ErrURLQuotaExceeded = errors.New("scraping url quota exceeded")

// ErrChatNotLinked is returned when a notification config names a chat the
// owner has not linked through the bot.
var ErrChatNotLinked = errors.New("chat is not linked to this account")
