// Package ocpps implements the legacy OCPP 1.5 SOAP dialect. Unlike the
// socket dialects it is plain request/response over HTTP: there is no
// reader loop and no server-initiated traffic on this transport.
package ocpps

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/engine"
)

// Namespaces of the central-system SOAP service.
const (
	nsSoap = "http://www.w3.org/2003/05/soap-envelope"
	nsWsa  = "http://www.w3.org/2005/08/addressing"
	nsCs   = "urn://Ocpp/Cs/2012/06/"
)

type soapHeader struct {
	ChargeBoxIdentity cdataElem `xml:"cs:chargeBoxIdentity"`
	Action            cdataElem `xml:"wsa:Action"`
	MessageID         cdataElem `xml:"wsa:MessageID"`
	From              soapFrom  `xml:"wsa:From"`
	To                cdataElem `xml:"wsa:To"`
}

type soapFrom struct {
	Address string `xml:"wsa:Address"`
}

type cdataElem struct {
	Value string `xml:",chardata"`
}

type soapEnvelope struct {
	XMLName xml.Name   `xml:"soap:Envelope"`
	NSSoap  string     `xml:"xmlns:soap,attr"`
	NSWsa   string     `xml:"xmlns:wsa,attr"`
	NSCs    string     `xml:"xmlns:cs,attr"`
	Header  soapHeader `xml:"soap:Header"`
	Body    soapBody   `xml:"soap:Body"`
}

type soapBody struct {
	Payload any
}

func (b soapBody) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.Encode(b.Payload); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// respEnvelope tolerates any prefix choice the server makes; only the body
// payload is decoded.
type respEnvelope struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// soapClient posts OCPP action envelopes to one central-system endpoint.
type soapClient struct {
	serverAddress string
	fromAddress   string
	deviceID      string
	log           *zap.Logger
	http          *http.Client
	timeout       time.Duration
}

func newSOAPClient(serverAddress, fromAddress, deviceID string, timeout time.Duration, log *zap.Logger) *soapClient {
	return &soapClient{
		serverAddress: serverAddress,
		fromAddress:   fromAddress,
		deviceID:      deviceID,
		log:           log,
		http:          &http.Client{Timeout: timeout},
		timeout:       timeout,
	}
}

// call posts one action and decodes the response body into out (when out is
// non-nil). Timeouts surface as the engine's timeout sentinel so the error
// path matches the socket dialects.
func (c *soapClient) call(ctx context.Context, action string, payload, out any) error {
	env := soapEnvelope{
		NSSoap: nsSoap,
		NSWsa:  nsWsa,
		NSCs:   nsCs,
		Header: soapHeader{
			ChargeBoxIdentity: cdataElem{Value: c.deviceID},
			Action:            cdataElem{Value: "/" + action},
			MessageID:         cdataElem{Value: "urn:uuid:" + uuid.NewString()},
			From:              soapFrom{Address: c.fromAddress},
			To:                cdataElem{Value: c.serverAddress},
		},
		Body: soapBody{Payload: payload},
	}
	reqBody, err := xml.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	reqBody = append([]byte(xml.Header), reqBody...)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverAddress, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	c.log.Debug("By-device request sent", zap.String("action", action), zap.ByteString("envelope", reqBody))
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isHTTPTimeout(err) {
			return &engine.TimeoutError{Seconds: int(c.timeout / time.Second)}
		}
		return fmt.Errorf("post %s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", action, resp.StatusCode)
	}
	c.log.Debug("By-device request completed", zap.String("action", action), zap.ByteString("envelope", raw))

	if out == nil {
		return nil
	}
	var re respEnvelope
	if err := xml.Unmarshal(raw, &re); err != nil {
		return fmt.Errorf("decode %s envelope: %w", action, err)
	}
	if err := xml.Unmarshal(re.Body.Inner, out); err != nil {
		return fmt.Errorf("decode %s body: %w", action, err)
	}
	return nil
}

func isHTTPTimeout(err error) bool {
	var ue interface{ Timeout() bool }
	return errors.As(err, &ue) && ue.Timeout()
}
