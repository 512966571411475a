package telegram

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testToken = "123:test"

type apiCall struct {
	Method string
	Params map[string]string
}

// fakeAPI is a minimal Bot API server that records every call.
type fakeAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	calls     []apiCall
	nextID    int
	failEdit  bool
	failPhoto bool
	files     map[string][]byte
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{nextID: 100, files: map[string][]byte{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+testToken+"/"); ok {
		f.mu.Lock()
		body, found := f.files[rest]
		f.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
		return
	}

	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testToken+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(10 << 20)
	} else {
		_ = r.ParseForm()
	}
	params := map[string]string{}
	for k, v := range r.Form {
		params[k] = v[0]
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: params})
	f.nextID++
	id := f.nextID
	failEdit, failPhoto := f.failEdit, f.failPhoto
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Welly","username":"welly_bot"}}`)
	case "getFile":
		fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_path":"photos/%s.jpg"}}`, params["file_id"], params["file_id"])
	case "answerCallbackQuery", "deleteMessage":
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case "editMessageText":
		if failEdit {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: there is no text in the message to edit"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"chat":{"id":%s}}}`, id, orZero(params["chat_id"]))
	case "sendPhoto":
		if failPhoto {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"chat":{"id":%s}}}`, id, orZero(params["chat_id"]))
	default:
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"chat":{"id":%s}}}`, id, orZero(params["chat_id"]))
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func (f *fakeAPI) addFile(filePath string, body []byte) {
	f.mu.Lock()
	f.files[filePath] = body
	f.mu.Unlock()
}

func (f *fakeAPI) setFailEdit(v bool) {
	f.mu.Lock()
	f.failEdit = v
	f.mu.Unlock()
}

func (f *fakeAPI) setFailPhoto(v bool) {
	f.mu.Lock()
	f.failPhoto = v
	f.mu.Unlock()
}

// Calls returns recorded calls to method, or all calls when method is empty.
func (f *fakeAPI) Calls(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == "getMe" {
			continue
		}
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Texts returns the text of every sendMessage call to chatID.
func (f *fakeAPI) Texts(chatID int64) []string {
	var out []string
	for _, c := range f.Calls("sendMessage") {
		if c.Params["chat_id"] == fmt.Sprint(chatID) {
			out = append(out, c.Params["text"])
		}
	}
	return out
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func newTestChannel(t *testing.T, api *fakeAPI) (*tgbotapi.BotAPI, *Channel) {
	t.Helper()
	bot, err := tgbotapi.NewBotAPIWithClient(testToken, api.srv.URL+"/bot%s/%s", api.srv.Client())
	require.NoError(t, err)
	ch := NewChannel(bot, api.srv.Client(), ChannelOptions{
		SendRate:     1000,
		FileEndpoint: api.srv.URL + "/file/bot%s/%s",
		TempDir:      t.TempDir(),
	}, zerolog.Nop())
	return bot, ch
}
