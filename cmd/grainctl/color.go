package main

import (
	"github.com/fatih/color"
)

func cyan(s string) string {
	c := color.New(color.FgHiCyan)
	return c.SprintFunc()(s)
}

func green(s string) string {
	c := color.New(color.FgHiGreen)
	return c.SprintFunc()(s)
}

func yellow(s string) string {
	c := color.New(color.FgHiYellow)
	return c.SprintFunc()(s)
}

func red(s string) string {
	c := color.New(color.FgHiRed)
	return c.SprintFunc()(s)
}
