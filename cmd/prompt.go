package cmd

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"
)

// maxReplyChars matches the composer limit on the web client.
const maxReplyChars = 2000

// selectHeight keeps the notification picker usable on short head-unit terminals.
const selectHeight = 8

func runForm(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

// promptReply asks for a reply body. Blank input is rejected in the form.
func promptReply(to string) (string, error) {
	var body string
	title := "Reply"
	if to != "" {
		title = "Reply to " + to
	}
	field := huh.NewText().
		Title(title).
		CharLimit(maxReplyChars).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("reply is empty")
			}
			return nil
		}).
		Value(&body)

	if err := runForm(field); err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// promptSecret reads a keyring value without echoing it.
func promptSecret(name string) (string, error) {
	var value string
	field := huh.NewInput().
		Title("Value for " + name).
		Description("Stored in the OS keyring; reference it as keyring:" + name).
		EchoMode(huh.EchoModePassword).
		Value(&value)

	if err := runForm(field); err != nil {
		return "", err
	}
	return value, nil
}

// choice is one row of a picker.
type choice[T comparable] struct {
	Label string
	Value T
}

func promptChoose[T comparable](title string, choices []choice[T]) (T, error) {
	var value T
	opts := make([]huh.Option[T], len(choices))
	for i, c := range choices {
		opts[i] = huh.NewOption(c.Label, c.Value)
	}

	sel := huh.NewSelect[T]().
		Title(title).
		Options(opts...).
		Height(selectHeight).
		Filtering(len(choices) > selectHeight).
		Value(&value)

	if err := runForm(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptConfirm defaults to No.
func promptConfirm(title string) (bool, error) {
	var yes bool
	c := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&yes)

	if err := runForm(c); err != nil {
		return false, err
	}
	return yes, nil
}
