package handlers

import (
	"context"
	"io"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"permabundle/internal/dataitem"
	"permabundle/internal/db"
	"permabundle/internal/errs"
	"permabundle/internal/ingest"
	"permabundle/internal/paymentclient"
	"permabundle/internal/pricing"
	"permabundle/internal/uploaddb"
)

// Header names for upload identity. The owner address and signature family
// ride as headers because the body is the raw payload.
const (
	OwnerHeader         = "X-Owner"
	SignatureKindHeader = "X-Signature-Kind"
	PaymentHeader       = "X-PAYMENT"
)

// UploadHandler serves the public upload surface.
type UploadHandler struct {
	ingest   *ingest.Service
	database *db.DB
	payments *paymentclient.Client
	oracle   *pricing.Oracle
}

// NewUploadHandler creates the upload-route handler group.
func NewUploadHandler(ing *ingest.Service, database *db.DB,
	payments *paymentclient.Client, oracle *pricing.Oracle) *UploadHandler {
	return &UploadHandler{
		ingest:   ing,
		database: database,
		payments: payments,
		oracle:   oracle,
	}
}

// RegisterRoutes registers the upload routes on the app. Rate limiting is
// applied by the caller so the scopes stay configurable in one place.
func (h *UploadHandler) RegisterRoutes(app *fiber.App, priceLimit, uploadLimit fiber.Handler) {
	app.Post("/v1/tx", h.PostTx, uploadLimit)
	app.Get("/v1/tx/:id/status", h.TxStatus)

	app.Post("/v1/uploads", h.InitMultipart, uploadLimit)
	app.Put("/v1/uploads/:id/:chunk", h.UploadPart, uploadLimit)
	app.Post("/v1/uploads/:id/finalize", h.FinalizeMultipart, uploadLimit)

	app.Get("/v1/price/bytes/:n", h.PriceBytes, priceLimit)
	app.Get("/v1/x402/price/:kind/:addr", h.X402Price, priceLimit)
	app.Post("/v1/x402/payment/:kind/:addr", h.X402Payment, uploadLimit)
	app.Post("/v1/x402/finalize", h.X402Finalize)
}

// PostTx ingests a single-shot upload. The body streams straight into the
// ingest service; a 402 response carries the x402 terms when the owner's
// balance cannot cover the declared size.
func (h *UploadHandler) PostTx(c fiber.Ctx) error {
	kind, err := parseKindHeader(c)
	if err != nil {
		return err
	}

	req := &ingest.StreamRequest{
		Body:          c.Request().BodyStream(),
		ContentLength: int64(c.Request().Header.ContentLength()),
		ContentType:   c.Get(fiber.HeaderContentType),
		Owner:         c.Get(OwnerHeader),
		SignatureKind: kind,
		PaymentHeader: c.Get(PaymentHeader),
	}

	receipt, err := h.ingest.HandleStream(c.Context(), req)
	if err != nil {
		short := errs.Is(err, errs.KindInsufficientCredit) || errs.Is(err, errs.KindPaymentRequired)
		if short && req.PaymentHeader == "" {
			return h.paymentRequired(c, req.ContentLength)
		}
		return err
	}
	return c.JSON(receipt)
}

// paymentRequired answers an unfunded upload with the x402 terms for its
// declared size.
func (h *UploadHandler) paymentRequired(c fiber.Ctx, byteCount int64) error {
	reqs, err := h.payments.Requirements(c.Context(), "/v1/tx", byteCount)
	if err != nil {
		return err
	}
	reqs.Error = "insufficient credit"
	return c.Status(fiber.StatusPaymentRequired).JSON(reqs)
}

// TxStatus reports where an item sits in the pipeline. Placeholder offsets
// mean the raw copy is readable but the bundle is not on the network yet.
func (h *UploadHandler) TxStatus(c fiber.Ctx) error {
	itemID := c.Params("id")
	loc, found, err := uploaddb.Locate(c.Context(), h.database, itemID)
	if err != nil {
		return err
	}
	if !found {
		return errs.Newf(errs.KindBadRequest, "unknown item %s", itemID)
	}

	body := fiber.Map{
		"id":     itemID,
		"status": string(loc),
	}
	off, bundleID, placeholder, err := uploaddb.GetOffset(c.Context(), h.database, itemID)
	if err != nil {
		return err
	}
	if off != nil && !placeholder {
		body["bundleId"] = bundleID.String()
		body["offset"] = off.Start
		body["length"] = off.Length
	}
	return c.JSON(body)
}

// InitMultipart opens a resumable upload session.
func (h *UploadHandler) InitMultipart(c fiber.Ctx) error {
	kind, err := parseKindHeader(c)
	if err != nil {
		return err
	}
	var body struct {
		ChunkSize int64 `json:"chunkSize"`
	}
	// Body is optional; the default chunk size applies when absent.
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return errs.Wrap(errs.KindBadRequest, "decode init request", err)
		}
	}

	m, err := h.ingest.InitMultipart(c.Context(), c.Get(OwnerHeader), kind, body.ChunkSize)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"uploadId":  m.UploadID,
		"chunkSize": m.ChunkSize,
	})
}

// UploadPart stores one chunk of a multipart session.
func (h *UploadHandler) UploadPart(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "parse upload id", err)
	}
	partNumber, err := strconv.Atoi(c.Params("chunk"))
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "parse part number", err)
	}

	length := int64(c.Request().Header.ContentLength())
	part, err := h.ingest.UploadPart(c.Context(), uploadID, partNumber,
		io.LimitReader(c.Request().BodyStream(), length), length)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"etag": part.ETag})
}

// FinalizeMultipart assembles the staged parts into one item.
func (h *UploadHandler) FinalizeMultipart(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "parse upload id", err)
	}
	receipt, err := h.ingest.FinalizeMultipart(c.Context(), uploadID, c.Get(PaymentHeader))
	if err != nil {
		return err
	}
	return c.JSON(receipt)
}

// PriceBytes quotes the credit cost of a byte count.
func (h *UploadHandler) PriceBytes(c fiber.Ctx) error {
	n, err := strconv.ParseInt(c.Params("n"), 10, 64)
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "parse byte count", err)
	}
	quote, err := h.oracle.QuoteBytes(n)
	if err != nil {
		return err
	}
	return c.JSON(quote)
}

// X402Price returns the 402 terms for paying a byte count directly. The 402
// status is deliberate: the response body is exactly what a client sees when
// it uploads without payment, so wallets can drive both from one code path.
func (h *UploadHandler) X402Price(c fiber.Ctx) error {
	if _, _, err := parseKindAddr(c); err != nil {
		return err
	}
	byteCount, err := strconv.ParseInt(c.Query("bytes", "0"), 10, 64)
	if err != nil || byteCount <= 0 {
		return errs.New(errs.KindBadRequest, "bytes query parameter required")
	}
	reqs, err := h.payments.Requirements(c.Context(), "/v1/tx", byteCount)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(reqs)
}

// X402Payment settles a signed payment without an accompanying body, either
// as a top-up or against a known item.
func (h *UploadHandler) X402Payment(c fiber.Ctx) error {
	kind, _, err := parseKindAddr(c)
	if err != nil {
		return err
	}
	var body struct {
		PaymentHeader string `json:"paymentHeader"`
		DataItemID    string `json:"dataItemId"`
		ByteCount     int64  `json:"byteCount"`
		Mode          string `json:"mode"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode payment request", err)
	}
	if body.PaymentHeader == "" {
		return errs.New(errs.KindBadRequest, "paymentHeader is required")
	}

	resp, err := h.payments.VerifyAndSettle(c.Context(), &paymentclient.VerifyAndSettleRequest{
		PaymentHeader: body.PaymentHeader,
		DeclaredBytes: body.ByteCount,
		ItemID:        body.DataItemID,
		Mode:          body.Mode,
		SignatureKind: kind,
	})
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// X402Finalize reports an item's actual size against its settled payment.
// The pipeline calls this internally at verify; the route exists for
// operators replaying a missed finalization.
func (h *UploadHandler) X402Finalize(c fiber.Ctx) error {
	var body struct {
		DataItemID      string `json:"dataItemId"`
		ActualByteCount int64  `json:"actualByteCount"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode finalize request", err)
	}

	it, err := h.findItem(c.Context(), body.DataItemID)
	if err != nil {
		return err
	}
	if it.PaymentID == nil {
		return errs.Newf(errs.KindBadRequest, "item %s has no x402 payment", body.DataItemID)
	}
	actual := body.ActualByteCount
	if actual == 0 {
		actual = it.ByteCount
	}
	res, err := h.payments.FinalizeX402(c.Context(), *it.PaymentID, actual)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *UploadHandler) findItem(ctx context.Context, itemID string) (*uploaddb.Item, error) {
	loc, found, err := uploaddb.Locate(ctx, h.database, itemID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.Newf(errs.KindBadRequest, "unknown item %s", itemID)
	}
	return uploaddb.GetItem(ctx, h.database, loc, itemID)
}

func parseKindHeader(c fiber.Ctx) (dataitem.SignatureKind, error) {
	raw := c.Get(SignatureKindHeader)
	if raw == "" {
		return dataitem.KindEthereum, nil
	}
	return dataitem.ParseKind(raw)
}

func parseKindAddr(c fiber.Ctx) (dataitem.SignatureKind, string, error) {
	kind, err := dataitem.ParseKind(c.Params("kind"))
	if err != nil {
		return "", "", err
	}
	addr := c.Params("addr")
	if err := dataitem.ValidateOwner(kind, addr); err != nil {
		return "", "", err
	}
	return kind, addr, nil
}
