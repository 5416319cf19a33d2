package provider

import (
	"github.com/google/uuid"
)

// message is anything posted to the provider loop. Messages are immutable
// once posted.
type message interface{ isMessage() }

type (
	enableMsg  struct{}
	disableMsg struct{}

	setDeviceMsg struct {
		deviceID string
		reply    chan error
	}

	addListenerMsg struct {
		handle uuid.UUID
		owner  string
		l      Listener
	}
	removeListenerMsg struct {
		owner string
	}

	statusMsg struct {
		reply chan Status
	}
	writeMsg struct {
		data  []byte
		reply chan error
	}

	// From the link supervisor.
	connectedMsg struct {
		deviceID string
	}
	dataMsg struct {
		lines []string
	}
	lostMsg struct {
		deviceID string
		err      error
	}
	exhaustedMsg struct {
		deviceID string
		err      error
	}
)

func (enableMsg) isMessage()         {}
func (disableMsg) isMessage()        {}
func (setDeviceMsg) isMessage()      {}
func (addListenerMsg) isMessage()    {}
func (removeListenerMsg) isMessage() {}
func (statusMsg) isMessage()         {}
func (writeMsg) isMessage()          {}
func (connectedMsg) isMessage()      {}
func (dataMsg) isMessage()           {}
func (lostMsg) isMessage()           {}
func (exhaustedMsg) isMessage()      {}
