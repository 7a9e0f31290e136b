package eon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/fasciatrack/fasciatrack/pkg/common"
	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

const (
	consumptionPath = "/DeeperConsumption/v1.0/ExtDailyConsumption"
	invoicesPath    = "/scsi/invoices/v1.0"
	walletPath      = "/scsi/energy-wallet/v1.0"

	granularityHourly  = "H"
	granularityMonthly = "M"
	measureActive      = "Ea"
	commodityPower     = "POWER"
)

// Client implements Source against the EON Energia API. Access tokens are
// refreshed on 401 and the rotated pair is surfaced via TokenUpdate.
type Client struct {
	apiURL          string
	tokenURL        string
	clientID        string
	subscriptionKey string
	client          *http.Client

	mu      sync.Mutex
	tokens  types.TokenPair
	updated bool
}

// Configured sets up flags for the EON client and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(30 * time.Second),
	}
	apiURL := lflag.String("eon-api-url", "https://api-mmi.eon.it", "base URL for the EON Energia API")
	tokenURL := lflag.String("eon-token-url", "https://auth.eon-energia.com/oauth/token", "URL for OAuth token refresh")
	clientID := lflag.String("eon-client-id", "", "OAuth client ID for token refresh")
	subKey := lflag.String("eon-subscription-key", "", "API management subscription key")
	accessToken := lflag.String("eon-access-token", "", "initial OAuth access token (stored tokens take precedence)")
	refreshToken := lflag.String("eon-refresh-token", "", "initial OAuth refresh token (stored tokens take precedence)")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.tokenURL = *tokenURL
		c.clientID = *clientID
		c.subscriptionKey = *subKey
		c.tokens = types.TokenPair{
			AccessToken:  *accessToken,
			RefreshToken: *refreshToken,
		}
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("eon client validation failed: %v", err))
		}
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("eon-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse eon url (%s): %w", c.apiURL, err)
	}
	if c.tokenURL != "" {
		if _, err := url.Parse(c.tokenURL); err != nil {
			return fmt.Errorf("failed to parse token url (%s): %w", c.tokenURL, err)
		}
	}
	return nil
}

// SetTokens replaces the credentials used for API calls.
func (c *Client) SetTokens(pair types.TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pair.AccessToken != "" {
		c.tokens = pair
	}
}

// TokenUpdate implements Source.
func (c *Client) TokenUpdate() (types.TokenPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.updated {
		return types.TokenPair{}, false
	}
	c.updated = false
	return c.tokens, true
}

func (c *Client) currentTokens() types.TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// refreshTokens exchanges the refresh token for a new pair. The provider
// rotates refresh tokens, so both halves are replaced on success.
func (c *Client) refreshTokens(ctx context.Context) error {
	tokens := c.currentTokens()
	if tokens.RefreshToken == "" {
		return &AuthError{Err: fmt.Errorf("no refresh token available")}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("refresh_token", tokens.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to refresh tokens: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Err: &APIError{Status: resp.StatusCode, Body: string(body)}}
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return &AuthError{Err: fmt.Errorf("failed to decode refresh response: %w", err)}
	}
	if data.AccessToken == "" {
		return &AuthError{Err: fmt.Errorf("refresh response had no access token")}
	}

	c.mu.Lock()
	c.tokens.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		c.tokens.RefreshToken = data.RefreshToken
	}
	c.updated = true
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "refreshed api tokens")
	return nil
}

// doJSON performs one API request and decodes the response into out. A 401
// triggers a single token refresh and retry.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	return c.doJSONRetry(ctx, method, path, query, payload, out, true)
}

func (c *Client) doJSONRetry(ctx context.Context, method, path string, query url.Values, payload any, out any, retryOnAuth bool) error {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	// keep any path prefix of the base URL (gateway mounts)
	u = u.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentTokens().AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.subscriptionKey)

	log.Ctx(ctx).DebugContext(ctx, "calling eon api",
		slog.String("method", method),
		slog.String("path", path))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if retryOnAuth {
			log.Ctx(ctx).InfoContext(ctx, "access token expired, refreshing")
			if err := c.refreshTokens(ctx); err != nil {
				return err
			}
			return c.doJSONRetry(ctx, method, path, query, payload, out, false)
		}
		return &AuthError{Err: fmt.Errorf("token rejected after refresh")}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(respBody) > 512 {
			respBody = respBody[:512]
		}
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode api response",
			slog.String("path", path), slog.Any("error", err))
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// consumptionRequest is the wire payload for the consumption endpoint. The
// capitalized keys are what the API expects.
type consumptionRequest struct {
	DataInizio string `json:"DataInizio"`
	DataFine   string `json:"DataFine"`
	PR         string `json:"PR"`
	Type       string `json:"Type"`
	Misura     string `json:"Misura"`
}

// dayList accepts both a bare day object and a list of them, which the
// endpoint returns interchangeably depending on the range.
type dayList []map[string]json.RawMessage

func (d *dayList) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*d = dayList{single}
		return nil
	}
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return err
	}
	*d = list
	return nil
}

// parseNumber reads a numeric field the API may send as a JSON number or
// as a string, sometimes with a comma decimal separator.
func parseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// FetchHourly implements Source.
func (c *Client) FetchHourly(ctx context.Context, pod string, start, end time.Time) ([]types.ConsumptionDay, error) {
	payload := consumptionRequest{
		DataInizio: start.Format(types.DateLayout),
		DataFine:   end.Format(types.DateLayout),
		PR:         pod,
		Type:       granularityHourly,
		Misura:     measureActive,
	}

	var raw dayList
	if err := c.doJSON(ctx, http.MethodPost, consumptionPath, nil, payload, &raw); err != nil {
		return nil, err
	}

	days := make([]types.ConsumptionDay, 0, len(raw))
	for _, rec := range raw {
		date := parseString(rec["data"])
		if date == "" {
			continue
		}
		day := types.ConsumptionDay{
			Date:   date,
			POD:    pod,
			Source: "eon",
		}
		var any bool
		for hour := 1; hour <= 24; hour++ {
			key := fmt.Sprintf("valore_h%02d", hour)
			if v, ok := parseNumber(rec[key]); ok {
				day.Hours[hour-1] = v
				if v > 0 {
					any = true
				}
			}
		}
		// a day object full of zeroes means the meter hasn't reported yet
		if !any {
			continue
		}
		days = append(days, day)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched hourly consumption",
		slog.String("pod", pod),
		slog.String("start", payload.DataInizio),
		slog.String("end", payload.DataFine),
		slog.Int("days", len(days)))
	return days, nil
}

// FetchMonthly implements Source.
func (c *Client) FetchMonthly(ctx context.Context, pod string, start, end time.Time) (map[types.MonthKey]float64, error) {
	payload := consumptionRequest{
		DataInizio: start.Format(types.DateLayout),
		DataFine:   end.Format(types.DateLayout),
		PR:         pod,
		Type:       granularityMonthly,
		Misura:     measureActive,
	}

	var raw dayList
	if err := c.doJSON(ctx, http.MethodPost, consumptionPath, nil, payload, &raw); err != nil {
		return nil, err
	}

	months := make(map[types.MonthKey]float64, len(raw))
	for _, rec := range raw {
		date := parseString(rec["data"])
		t, err := time.Parse(types.DateLayout, date)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping monthly record with bad date",
				slog.String("date", date))
			continue
		}
		if kwh, ok := parseNumber(rec["valore_mensile"]); ok && kwh > 0 {
			months[types.MonthOf(t)] = kwh
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched monthly consumption",
		slog.String("pod", pod), slog.Int("months", len(months)))
	return months, nil
}

type invoiceSupplyRecord struct {
	CodiceFornitura  string          `json:"CodiceFornitura"`
	CodicePDRPOD     string          `json:"CodicePDR_POD"`
	ImportoFornitura json.RawMessage `json:"ImportoFornitura"`
	Importo          json.RawMessage `json:"Importo"`
}

type invoiceRecord struct {
	Numero         string                `json:"Numero"`
	DataDocumento  string                `json:"DataDocumento"`
	DataEmissione  string                `json:"DataEmissione"`
	Data           string                `json:"Data"`
	Importo        json.RawMessage       `json:"Importo"`
	ImportoResiduo json.RawMessage       `json:"ImportoResiduo"`
	ListaForniture []invoiceSupplyRecord `json:"ListaForniture"`
}

// issuedDate returns the first populated date field; the API is not
// consistent about which one it fills in.
func (r invoiceRecord) issuedDate() (time.Time, bool) {
	for _, s := range []string{r.DataDocumento, r.DataEmissione, r.Data} {
		if t, ok := types.ParseItalianDate(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// FetchInvoices implements Source.
func (c *Client) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	query := url.Values{}
	query.Set("apiversion", "v1.0")
	query.Set("documentoDal", start.Format("02/01/2006"))
	query.Set("documentoAl", end.Format("02/01/2006"))

	var raw struct {
		ListaFatture []invoiceRecord `json:"ListaFatture"`
	}
	if err := c.doJSON(ctx, http.MethodGet, invoicesPath, query, nil, &raw); err != nil {
		return nil, err
	}

	invoices := make([]types.Invoice, 0, len(raw.ListaFatture))
	for _, rec := range raw.ListaFatture {
		issued, ok := rec.issuedDate()
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "skipping invoice without issue date",
				slog.String("number", rec.Numero))
			continue
		}
		inv := types.Invoice{
			Number: rec.Numero,
			Issued: issued,
		}
		inv.Amount, _ = parseNumber(rec.Importo)
		inv.Residual, _ = parseNumber(rec.ImportoResiduo)
		for _, sup := range rec.ListaForniture {
			amount, ok := parseNumber(sup.ImportoFornitura)
			if !ok {
				amount, _ = parseNumber(sup.Importo)
			}
			inv.Supplies = append(inv.Supplies, types.InvoiceSupply{
				SupplyCode: sup.CodiceFornitura,
				PODCode:    sup.CodicePDRPOD,
				Amount:     amount,
			})
		}
		invoices = append(invoices, inv)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched invoices",
		slog.Time("start", start), slog.Time("end", end),
		slog.Int("count", len(invoices)))
	return invoices, nil
}

type walletEnergyComponent struct {
	Fascia         string          `json:"fascia"`
	PrezzoUnitario json.RawMessage `json:"prezzoUnitario"`
}

type walletLineItem struct {
	Descrizione string          `json:"descrizione"`
	Categoria   string          `json:"categoria"`
	Importo     json.RawMessage `json:"importo"`
}

type walletResponse struct {
	ComponenteEnergia []walletEnergyComponent `json:"componenteEnergia"`
	AltreVoci         []walletLineItem        `json:"altreVoci"`
	QuantitaTotale    json.RawMessage         `json:"quantitaTotale"`
}

// FetchWallet implements Source.
func (c *Client) FetchWallet(ctx context.Context, invoiceNumber, year string) (types.WalletBreakdown, error) {
	payload := map[string]string{
		"numeroFattura": invoiceNumber,
		"anno":          year,
		"commodity":     commodityPower,
	}

	var raw walletResponse
	if err := c.doJSON(ctx, http.MethodPost, walletPath, nil, payload, &raw); err != nil {
		return types.WalletBreakdown{}, err
	}

	breakdown := types.WalletBreakdown{
		BandPrices: make(map[types.Band]float64),
	}
	for _, comp := range raw.ComponenteEnergia {
		price, ok := parseNumber(comp.PrezzoUnitario)
		if !ok || price <= 0 {
			continue
		}
		switch comp.Fascia {
		case "F0":
			breakdown.BandPrices[types.BandFlat] = price
		case "F1":
			breakdown.BandPrices[types.BandF1] = price
		case "F2":
			breakdown.BandPrices[types.BandF2] = price
		case "F3":
			breakdown.BandPrices[types.BandF3] = price
		}
	}
	for _, item := range raw.AltreVoci {
		// anything that isn't the energy component is a fixed charge
		if strings.EqualFold(item.Categoria, "ENERGIA") {
			continue
		}
		if amount, ok := parseNumber(item.Importo); ok {
			breakdown.FixedCosts += amount
		}
	}
	breakdown.TotalKWH, _ = parseNumber(raw.QuantitaTotale)

	log.Ctx(ctx).DebugContext(ctx, "fetched energy wallet",
		slog.String("invoice", invoiceNumber),
		slog.Int("bands", len(breakdown.BandPrices)),
		slog.Float64("fixedCosts", breakdown.FixedCosts))
	return breakdown, nil
}
