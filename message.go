package main

import "fmt"

const (
	MsgNoObjects = "No objects detected above the confidence threshold. Try a lower thresh or a clearer image."

	MsgSingleObject = "One object detected."
)

func detectionMessage(count int) string {
	switch {
	case count == 0:
		return MsgNoObjects
	case count == 1:
		return MsgSingleObject
	default:
		return fmt.Sprintf("%d objects detected.", count)
	}
}
