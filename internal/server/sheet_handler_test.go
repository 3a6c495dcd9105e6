package server

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/termui"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
)

func TestRowSheetCreatePutGetUpdate(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	viewer := host.token(t, testViewerID, "Jane Doe", false)
	other := host.token(t, testOtherID, "Other Person", false)

	headers, _ := json.Marshal([]string{"name", "email", "id", "Timestamp", "score"})
	reply := host.postSheet(t, viewer, url.Values{"sheet": {"roster"}, "headers": {string(headers)}})
	if reply.Result != resultSuccess {
		t.Fatalf("create failed: %+v", reply)
	}

	row, _ := json.Marshal([]any{"Jane Doe", testViewerID, testViewerID, nil, 3})
	reply = host.postSheet(t, viewer, url.Values{"sheet": {"roster"}, "row": {string(row)}, "get": {"1"}})
	if reply.Result != resultSuccess || len(reply.Row) != 5 || reply.Row[3] == nil {
		t.Fatalf("put failed or timestamp missing: %+v", reply)
	}

	update, _ := json.Marshal([][]any{{"id", testViewerID}, {"score", 7}})
	reply = host.postSheet(t, viewer, url.Values{"sheet": {"roster"}, "id": {testViewerID}, "update": {string(update)}, "get": {"1"}})
	if reply.Result != resultSuccess || reply.Row[4] != float64(7) {
		t.Fatalf("update failed: %+v", reply)
	}

	reply = host.postSheet(t, viewer, url.Values{"sheet": {"roster"}, "id": {testViewerID}, "get": {"1"}})
	if reply.Result != resultSuccess || reply.Row[0] != "Jane Doe" {
		t.Fatalf("get failed: %+v", reply)
	}

	reply = host.postSheet(t, other, url.Values{"sheet": {"roster"}, "id": {testViewerID}, "get": {"1"}})
	if reply.Result != resultError {
		t.Fatalf("expected foreign row read to fail, got %+v", reply)
	}
	foreign, _ := json.Marshal([]any{"Jane Doe", testViewerID, testViewerID, nil, 9})
	reply = host.postSheet(t, other, url.Values{"sheet": {"roster"}, "row": {string(foreign)}})
	if reply.Result != resultError {
		t.Fatalf("expected foreign row write to fail, got %+v", reply)
	}

	reply = host.postSheet(t, viewer, url.Values{"sheet": {"missing"}, "id": {testViewerID}})
	if reply.Result != resultError || reply.Error != "sheets.load_schema.sheet_not_found" {
		t.Fatalf("expected missing sheet code, got %+v", reply)
	}
}

func TestRowSheetThroughRowstoreClient(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	token := host.token(t, testViewerID, "Jane Doe", false)

	transport, err := rowstore.NewHTTPTransport(rowstore.HTTPTransportConfig{Endpoint: host.server.URL + SheetPath, AccessToken: token})
	if err != nil {
		t.Fatalf("failed to build transport: %v", err)
	}
	sheet, err := rowstore.NewSheet(rowstore.SheetConfig{Name: "answers", Fields: []string{"answer"}, Transport: transport})
	if err != nil {
		t.Fatalf("failed to build sheet: %v", err)
	}
	identity := rowstore.Identity{ID: testViewerID, DisplayName: "Jane Doe", Email: testViewerID}
	authSheet, err := rowstore.NewAuthSheet(sheet, identity)
	if err != nil {
		t.Fatalf("failed to build auth sheet: %v", err)
	}

	ctx := context.Background()
	empty, err := authSheet.GetRow(ctx, true)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty row after auto create, got %v (%v)", empty, err)
	}
	if _, err := authSheet.PutRow(ctx, rowstore.Row{"answer": "42"}, rowstore.PutOptions{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := authSheet.UpdateRow(ctx, rowstore.Row{"answer": "43"}, rowstore.UpdateOptions{}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stored, err := authSheet.GetRow(ctx, false)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.String("answer") != "43" || stored.String(rowstore.ColumnName) != "Jane Doe" {
		t.Fatalf("unexpected stored row %v", stored)
	}

	_, err = authSheet.UpdateRow(ctx, rowstore.Row{"unknown": "x"}, rowstore.UpdateOptions{})
	if err == nil {
		t.Fatal("expected unknown column to be rejected")
	}
}

func TestDiscussionSheetRejectsMalformedCommands(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	token := host.token(t, testViewerID, "Jane Doe", false)
	sheet := posts.SheetName(testSession)

	testCases := []struct {
		name string
		form url.Values
	}{
		{name: "not a command", form: url.Values{"id": {testViewerID}, "update": {`[["discuss001","hello"]]`}}},
		{name: "unknown column", form: url.Values{"id": {testViewerID}, "update": {`[["notes","{\"op\":\"post\",\"text\":\"x\"}"]]`}}},
		{name: "foreign row", form: url.Values{"id": {testOtherID}, "update": {`[["discuss001","{\"op\":\"post\",\"text\":\"x\"}"]]`}}},
		{name: "admin flag without role", form: url.Values{"id": {testOtherID}, "admin": {"1"}, "update": {`[["discuss001","{\"op\":\"delete\",\"post\":1}"]]`}}},
		{name: "unknown action", form: url.Values{"actions": {"export"}}},
		{name: "no discussion column", form: url.Values{"id": {testViewerID}, "update": {`[["id","viewer@example.com"]]`}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testCase.form.Set("sheet", sheet)
			reply := host.postSheet(t, token, testCase.form)
			if reply.Result != resultError || reply.Error == "" {
				t.Fatalf("expected error reply, got %+v", reply)
			}
		})
	}
}

type discussClient struct {
	registry *widget.Registry
	widget   *widget.Widget
	view     *termui.View
	dialogs  *termui.Dialogs
}

func newDiscussClient(t *testing.T, host *testHost, userID, name string, admin bool) *discussClient {
	t.Helper()
	token := host.token(t, userID, name, admin)
	transport, err := rowstore.NewHTTPTransport(rowstore.HTTPTransportConfig{Endpoint: host.server.URL + SheetPath, AccessToken: token})
	if err != nil {
		t.Fatalf("failed to build transport: %v", err)
	}
	sheet, err := rowstore.NewSheet(rowstore.SheetConfig{
		Name:       posts.SheetName(testSession),
		Fields:     posts.ColumnNames(2),
		Transport:  transport,
		Precreated: true,
	})
	if err != nil {
		t.Fatalf("failed to build sheet: %v", err)
	}
	sideChannel, err := widget.NewHTTPSideChannel(widget.HTTPSideChannelConfig{SiteURL: host.server.URL, AccessToken: token})
	if err != nil {
		t.Fatalf("failed to build side channel: %v", err)
	}
	dialogs := termui.NewDialogs(nil, nil, true)
	registry, err := widget.NewRegistry(widget.Config{
		Params: widget.Params{
			Session:       testSession,
			DiscussSlides: []widget.DiscussSlide{{Slide: 2}, {Slide: 5}},
		},
		UserID:       userID,
		AdminUserID:  testAdminID,
		Store:        sheet,
		SideChannel:  sideChannel,
		Dialogs:      dialogs,
		CurrentSlide: func() int { return 1 },
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	view := termui.NewView(2)
	w, err := registry.Register(2, view.Elements())
	if err != nil {
		t.Fatalf("failed to register widget: %v", err)
	}
	return &discussClient{registry: registry, widget: w, view: view, dialogs: dialogs}
}

func TestWidgetDiscussionFlowAgainstHost(t *testing.T) {
	host := newTestHost(t, testHostOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	adminRelay, err := relay.Dial(ctx, relay.ClientConfig{
		URL:         host.server.URL + WebsocketPath,
		Session:     testSession,
		AccessToken: host.token(t, testAdminID, "Grace Hopper", true),
	})
	if err != nil {
		t.Fatalf("relay dial failed: %v", err)
	}
	defer adminRelay.Close()
	waitForViewers(t, host.hub, 1)
	notices := make(chan relay.Event, 4)
	go func() {
		_ = adminRelay.Receive(ctx, func(event relay.Event) { notices <- event })
	}()

	viewer := newDiscussClient(t, host, testViewerID, "Jane Q. Doe", false)
	viewer.view.Textarea.SetValue("first thought")
	if err := viewer.widget.SubmitPost(ctx); err != nil {
		t.Fatalf("submit failed: %v (alerts %v)", err, viewer.dialogs.Alerts())
	}
	views := viewer.view.Posts.Views()
	if len(views) != 1 || views[0].Number != 1 || views[0].Text != "first thought" || views[0].DisplayName != "Jane D." {
		t.Fatalf("unexpected views after post %+v", views)
	}
	if !views[0].CanDelete || views[0].CanFlag {
		t.Fatalf("unexpected affordances for own post %+v", views[0])
	}
	if viewer.view.Textarea.Value() != "" {
		t.Fatal("expected draft to be cleared")
	}

	select {
	case event := <-notices:
		var notice posts.Notice
		if err := json.Unmarshal(event.Payload, &notice); err != nil {
			t.Fatalf("bad notice payload: %v", err)
		}
		if !event.Admin || event.From != testViewerID || event.Channel != "Discuss.postNotify" {
			t.Fatalf("unexpected notice envelope %+v", event)
		}
		if notice.Discussion != 1 || notice.Message != posts.MessageNew || notice.Post == nil || notice.Post.Text != "first thought" {
			t.Fatalf("unexpected notice %+v", notice)
		}
	case <-ctx.Done():
		t.Fatal("expected post notice on the relay")
	}

	admin := newDiscussClient(t, host, testAdminID, "Grace Hopper", true)
	if err := admin.widget.RequestShow(ctx); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	adminViews := admin.view.Posts.Views()
	if len(adminViews) != 1 || !adminViews[0].Unread || !adminViews[0].CanDelete {
		t.Fatalf("unexpected admin views %+v", adminViews)
	}
	if err := admin.widget.DeletePost(ctx, 1, "", testViewerID); err != nil {
		t.Fatalf("admin delete failed: %v (alerts %v)", err, admin.dialogs.Alerts())
	}
	adminViews = admin.view.Posts.Views()
	if len(adminViews) != 1 || adminViews[0].Status != posts.StatusDeleted || adminViews[0].Text != "" {
		t.Fatalf("expected deleted post, got %+v", adminViews)
	}

	if err := admin.widget.CloseDiscussion(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !admin.widget.Closed() {
		t.Fatal("expected admin widget to show closed state")
	}
	viewer.view.Textarea.SetValue("too late")
	if err := viewer.widget.RequestShow(ctx); err != nil {
		t.Fatalf("viewer refresh failed: %v", err)
	}
	if err := viewer.widget.RequestShow(ctx); err != nil {
		t.Fatalf("viewer refresh failed: %v", err)
	}
	if err := viewer.widget.SubmitPost(ctx); err != widget.ErrDiscussionClosed {
		t.Fatalf("expected closed discussion to refuse posting, got %v", err)
	}
}

func waitForViewers(t *testing.T, hub *relay.Hub, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Viewers(testSession)) < count {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d relay viewers", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
