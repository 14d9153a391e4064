package studio

import "github.com/MarcoPoloResearchLab/ministudio/internal/dispatch"

// tagSet names the room's actions and collections under one namespace.
type tagSet struct {
	addVideo   string
	delVideo   string
	addMessage string
	delMessage string
	videos     string
	messages   string
}

func newTagSet(namespace string) tagSet {
	return tagSet{
		addVideo:   dispatch.Tag(namespace, "add-video"),
		delVideo:   dispatch.Tag(namespace, "del-video"),
		addMessage: dispatch.Tag(namespace, "add-message"),
		delMessage: dispatch.Tag(namespace, "del-message"),
		videos:     "@" + namespace + "/videos",
		messages:   "@" + namespace + "/messages",
	}
}

func (t tagSet) register(router *dispatch.Router) error {
	handlers := []struct {
		tag     string
		handler dispatch.Handler
	}{
		{t.addVideo, dispatch.InsertInto(t.videos)},
		{t.delVideo, dispatch.DeleteFrom(t.videos)},
		{t.addMessage, dispatch.InsertInto(t.messages)},
		{t.delMessage, dispatch.DeleteFrom(t.messages)},
	}
	for _, entry := range handlers {
		if err := router.Register(entry.tag, entry.handler); err != nil {
			return err
		}
	}
	return nil
}

// ChangeKind classifies a change notification by the list it affects.
type ChangeKind int

const (
	ChangeOther ChangeKind = iota
	ChangeVideos
	ChangeMessages
)

func (t tagSet) kind(tag string) ChangeKind {
	switch tag {
	case t.addVideo, t.delVideo:
		return ChangeVideos
	case t.addMessage, t.delMessage:
		return ChangeMessages
	default:
		return ChangeOther
	}
}
