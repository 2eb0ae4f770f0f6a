package server

import "strings"

// validChars is the allow-listed character set for names and chat text.
const validChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-!@#$%^&*()+=[]{}~ "

// spriteWhitelist holds the approved sprite name prefixes; spriteExact holds
// full names approved outside those prefixes.
var (
	spritePrefixes = []string{
		"spr_player",
		"spr_knight",
		"spr_shotgun",
		"spr_ratmount",
		"spr_lone",
	}
	spriteExact = map[string]bool{
		"spr_noise_vulnerable2": true,
		"spr_noise_crusherfall": true,
	}
)

// idleSprite replaces any sprite that fails the whitelist.
const idleSprite = "spr_player_idle"

// Clean strips a string down to the allow-listed character set, caps its
// length, and masks bad words with asterisks. A maxLen of 0 disables the cap.
func Clean(msg string, maxLen int, badWords []string) string {
	msg = strings.TrimSpace(msg)

	var b strings.Builder
	b.Grow(len(msg))
	for _, c := range msg {
		if strings.ContainsRune(validChars, c) {
			b.WriteRune(c)
		}
	}
	msg = b.String()

	if maxLen > 0 && len(msg) > maxLen {
		msg = msg[:maxLen]
	}

	for _, word := range badWords {
		if word == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, word, strings.Repeat("*", len(word)))
	}
	return msg
}

// CleanName sanitizes a requested display name: allow-list filter, length cap,
// blanks replaced with dashes, with a fallback when nothing survives.
func CleanName(name string, maxLen int, badWords []string) string {
	name = Clean(name, maxLen, badWords)
	name = strings.ReplaceAll(name, " ", "-")

	if name == "" {
		name = "Player"
	}
	return name
}

// AnticheatSprite passes a sprite name through the whitelist, substituting the
// neutral idle sprite for anything not approved.
func AnticheatSprite(sprite string) string {
	if spriteExact[sprite] {
		return sprite
	}
	for _, prefix := range spritePrefixes {
		if strings.HasPrefix(sprite, prefix) {
			return sprite
		}
	}
	return idleSprite
}
