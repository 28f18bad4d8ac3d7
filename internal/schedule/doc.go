// Package schedule turns schedule strings into next-run calculators.
//
// Parsing of cron expressions is delegated to robfig/cron; this package only
// normalizes the accepted spellings (cron, interval, daily) and binds a timezone.
package schedule
