package ws

import (
	"encoding/xml"
	"log/slog"
	"net/http"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// VoiceHandler answers Twilio's incoming-call webhook with TwiML that opens a
// bidirectional media stream to streamURL, passing the caller and dialed
// numbers as stream parameters.
func VoiceHandler(streamURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		from, to := r.PostForm.Get("From"), r.PostForm.Get("To")
		slog.Info("incoming call", "call_sid", r.PostForm.Get("CallSid"), "from", from, "to", to)

		resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{
			URL: streamURL,
			Parameters: []twimlParameter{
				{Name: "from", Value: from},
				{Name: "to", Value: to},
			},
		}}}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(xml.Header))
		if err := xml.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("write twiml", "error", err)
		}
	}
}
