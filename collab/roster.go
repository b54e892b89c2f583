package collab

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

const CursorBroadcastEvent = "cursor"

// a deduplicated presence entry with its relay-assigned display color.
// the color is stable for the session and discarded on leave.
type Collaborator struct {
	Id        Id
	Email     string
	AvatarUrl string
	Color     string
}

type RosterFunction = func(collaborators []*Collaborator)

// a cursor position relayed between peers over the broadcast channel
type CursorBroadcast struct {
	Range      *CursorRange `json:"range"`
	DocumentId Id           `json:"document_id"`
	IdentityId Id           `json:"identity_id"`
}

// tracks who is present on the open document and relays cursor
// positions onto the local editor.
//
// presence sync snapshots are the source of truth for the roster.
// join/leave events only drive user-facing notifications; folding them
// into roster state would double-count identities with multiple
// concurrent sessions.
type Roster struct {
	ctx context.Context

	documentId Id
	identity   *PresenceIdentity
	channel    PresenceChannel
	editor     Editor
	notify     NotifyFunction
	log        LogFunction
	cursorLog  LogFunction

	stateLock sync.Mutex

	collaborators []*Collaborator
	colors        map[Id]string

	rosterCallbacks *CallbackList[RosterFunction]

	unsubs []func()
}

func NewRoster(
	ctx context.Context,
	store SubscribeStore,
	documentId Id,
	identity *PresenceIdentity,
	editor Editor,
	notify NotifyFunction,
) (*Roster, error) {
	channel, err := store.JoinPresence(ctx, documentId.String())
	if err != nil {
		return nil, err
	}

	log := LogFn(LogLevelDebug, "roster")
	roster := &Roster{
		ctx:             ctx,
		documentId:      documentId,
		identity:        identity,
		channel:         channel,
		editor:          editor,
		notify:          notifyOrNoop(notify),
		log:             log,
		cursorLog:       SubLogFn(LogLevelDebug, log, "cursor"),
		colors:          map[Id]string{},
		rosterCallbacks: NewCallbackList[RosterFunction](),
	}

	roster.unsubs = append(
		roster.unsubs,
		channel.AddSyncCallback(roster.handleSync),
		channel.AddJoinCallback(roster.handleJoin),
		channel.AddLeaveCallback(roster.handleLeave),
		channel.AddBroadcastCallback(CursorBroadcastEvent, roster.handleCursor),
		editor.AddSelectionCallback(roster.handleSelection),
	)

	if err := channel.Track(identity); err != nil {
		// presence degrades to no collaboration visibility.
		// it never blocks document editing.
		roster.log("track error = %s", err)
	}

	return roster, nil
}

func (self *Roster) AddRosterCallback(rosterCallback RosterFunction) func() {
	callbackId := self.rosterCallbacks.Add(rosterCallback)
	return func() {
		self.rosterCallbacks.Remove(callbackId)
	}
}

func (self *Roster) Collaborators() []*Collaborator {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.collaborators)
}

// rebuilds the roster wholesale from the snapshot. last entry wins per
// identity id. unseen non-self identities get a color and a cursor
// placeholder; existing colors are kept stable.
func (self *Roster) handleSync(state []*PresenceIdentity) {
	var collaborators []*Collaborator
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		order := []Id{}
		unique := map[Id]*PresenceIdentity{}
		for _, identity := range state {
			if _, ok := unique[identity.Id]; !ok {
				order = append(order, identity.Id)
			}
			unique[identity.Id] = identity
		}

		collaborators = []*Collaborator{}
		for _, id := range order {
			identity := unique[id]

			color := ""
			if identity.Id != self.identity.Id {
				var ok bool
				if color, ok = self.colors[identity.Id]; !ok {
					color = randomColor()
					self.colors[identity.Id] = color
				}
				if !slices.Contains(self.editor.Cursors().ListCursors(), identity.Id) {
					self.editor.Cursors().CreateCursor(identity.Id, displayName(identity.Email), color)
				}
			}

			collaborators = append(collaborators, &Collaborator{
				Id:        identity.Id,
				Email:     identity.Email,
				AvatarUrl: identity.AvatarUrl,
				Color:     color,
			})
		}
		self.collaborators = collaborators
	}()

	for _, rosterCallback := range self.rosterCallbacks.Get() {
		rosterCallback(slices.Clone(collaborators))
	}
}

// notification only. the next sync corrects the roster.
func (self *Roster) handleJoin(joined []*PresenceIdentity) {
	for _, identity := range joined {
		if identity.Id != self.identity.Id {
			self.notify(&Notice{
				Level:       NoticeLevelInfo,
				Description: fmt.Sprintf("%s joined the document.", identity.Email),
			})
			return
		}
	}
}

// removes cursors and colors only for identities no longer present in a
// fresh snapshot. an identity with multiple concurrent sessions that
// drops one session is not treated as having left.
func (self *Roster) handleLeave(left []*PresenceIdentity) {
	remaining := map[Id]bool{}
	for _, identity := range self.channel.State() {
		remaining[identity.Id] = true
	}

	for _, identity := range left {
		if remaining[identity.Id] || identity.Id == self.identity.Id {
			continue
		}

		self.editor.Cursors().RemoveCursor(identity.Id)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			delete(self.colors, identity.Id)
		}()
		self.notify(&Notice{
			Level:       NoticeLevelInfo,
			Description: fmt.Sprintf("%s left the document.", identity.Email),
		})
	}
}

// broadcasts local selection changes caused by direct input
func (self *Roster) handleSelection(r *CursorRange, source EditSource) {
	if source != EditSourceUser {
		return
	}

	payload, err := json.Marshal(&CursorBroadcast{
		Range:      r,
		DocumentId: self.documentId,
		IdentityId: self.identity.Id,
	})
	if err != nil {
		return
	}
	if err := self.channel.Broadcast(CursorBroadcastEvent, payload); err != nil {
		self.cursorLog("broadcast error = %s", err)
	}
}

// moves the matching cursor placeholder. placeholders are only created
// by the sync handler; a message for an unknown cursor is dropped.
func (self *Roster) handleCursor(payload []byte) {
	var message CursorBroadcast
	if err := json.Unmarshal(payload, &message); err != nil {
		self.cursorLog("decode error = %s", err)
		return
	}

	if message.DocumentId != self.documentId {
		return
	}
	if message.IdentityId == self.identity.Id {
		return
	}

	if slices.Contains(self.editor.Cursors().ListCursors(), message.IdentityId) {
		self.editor.Cursors().MoveCursor(message.IdentityId, message.Range)
	}
}

func (self *Roster) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.channel.Leave()
}

func displayName(email string) string {
	if i := strings.Index(email, "@"); 0 <= i {
		return email[:i]
	}
	return email
}

func randomColor() string {
	h := mathrand.Intn(360)
	s := 50 + mathrand.Intn(50)
	l := 40 + mathrand.Intn(40)
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", h, s, l)
}
