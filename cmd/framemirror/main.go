package main

import "github.com/bryanchriswhite/FrameMirror/cmd/framemirror/commands"

func main() {
	commands.Execute()
}
