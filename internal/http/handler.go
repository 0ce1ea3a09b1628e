package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/config"
	"vehicle-tracking-service/internal/domain/tracking"
	"vehicle-tracking-service/internal/repository"
	"vehicle-tracking-service/internal/tracker"
	"vehicle-tracking-service/internal/utils"
)

type Handler struct {
	tracker *tracker.Tracker
	owners  *repository.OwnerRepository
	config  *config.Config
	log     zerolog.Logger
}

// NewHandler builds the REST surface. owners may be nil when the owner
// registry database is not configured.
func NewHandler(
	t *tracker.Tracker,
	owners *repository.OwnerRepository,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		tracker: t,
		owners:  owners,
		config:  cfg,
		log:     log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/detections", h.handleDetection)
		public.GET("/vehicles/active", h.listActiveVehicles)
		public.GET("/vehicles/:plate", h.getVehicle)
		public.GET("/archive/:plate", h.getArchive)
		public.GET("/cameras", h.listCameras)
		public.GET("/cameras/:camera_id", h.getCamera)
	}

	// Administrative endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/cameras/:camera_id", h.updateCamera)
		protected.POST("/owners", h.createOwner)
		protected.GET("/owners", h.listOwners)
		protected.GET("/owners/:plate", h.getOwner)
		protected.DELETE("/owners/:plate", h.deleteOwner)
		protected.POST("/owners/:plate/telegram", h.bindTelegram)
		protected.DELETE("/owners/:plate/telegram", h.unbindTelegram)
	}
}

func (h *Handler) handleDetection(c *gin.Context) {
	var payload tracking.DetectionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	ts := time.Now().UTC()
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("ts must be an ISO-8601 timestamp"))
			return
		}
		ts = parsed
	}

	result, err := h.tracker.OnDetect(c.Request.Context(), payload.Plate, payload.CameraID, ts)
	if err != nil {
		if errors.Is(err, tracker.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		// The transition was not committed; the caller may retry.
		h.log.Error().Err(err).Str("camera_id", payload.CameraID).Msg("failed to process detection")
		c.JSON(http.StatusServiceUnavailable, errorResponse("detection not accepted, retry later"))
		return
	}

	status := http.StatusOK
	if result.Action == tracker.ActionEntry {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"status": "ok",
		"result": result,
	})
}

func (h *Handler) getVehicle(c *gin.Context) {
	state, err := h.tracker.GetVehicle(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(state))
}

func (h *Handler) listActiveVehicles(c *gin.Context) {
	states, err := h.tracker.ListActive(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(states))
}

func (h *Handler) getArchive(c *gin.Context) {
	records, err := h.tracker.GetArchive(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(records))
}

func (h *Handler) listCameras(c *gin.Context) {
	cameras, err := h.tracker.ListCameras(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(cameras))
}

func (h *Handler) getCamera(c *gin.Context) {
	meta, err := h.tracker.GetCameraMetadata(c.Request.Context(), c.Param("camera_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(meta))
}

type cameraUpdateRequest struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name"`
}

func (h *Handler) updateCamera(c *gin.Context) {
	cameraID := c.Param("camera_id")

	var req cameraUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	lon := req.Lon
	if lon == 0 {
		lon = req.Lng
	}
	name := req.Name
	if name == "" {
		name = cameraID
	}

	meta := &tracking.CameraMetadata{
		CameraID: cameraID,
		Lat:      req.Lat,
		Lon:      lon,
		Name:     name,
	}
	if err := h.tracker.SetCameraMetadata(c.Request.Context(), meta); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(meta))
}

type ownerRequest struct {
	Name          string `json:"name" binding:"required"`
	PhoneNumber   string `json:"phone_number" binding:"required"`
	VehicleNumber string `json:"vehicle_number" binding:"required"`
}

func (h *Handler) createOwner(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}

	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	owner := &repository.Owner{
		Name:          req.Name,
		PhoneNumber:   req.PhoneNumber,
		VehicleNumber: utils.NormalizePlate(req.VehicleNumber),
	}
	if owner.VehicleNumber == "" {
		c.JSON(http.StatusBadRequest, errorResponse("vehicle_number cannot be empty"))
		return
	}

	if err := h.owners.Create(c.Request.Context(), owner); err != nil {
		h.log.Error().Err(err).Str("plate", owner.VehicleNumber).Msg("failed to create owner")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusCreated, successResponse(owner))
}

func (h *Handler) listOwners(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}
	owners, err := h.owners.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(owners))
}

func (h *Handler) getOwner(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}
	owner, err := h.owners.FindByPlate(c.Request.Context(), utils.NormalizePlate(c.Param("plate")))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(owner))
}

func (h *Handler) deleteOwner(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}
	if err := h.owners.Delete(c.Request.Context(), utils.NormalizePlate(c.Param("plate"))); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type telegramBindRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
}

func (h *Handler) bindTelegram(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}
	var req telegramBindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	plate := utils.NormalizePlate(c.Param("plate"))
	if err := h.owners.BindTelegram(c.Request.Context(), plate, req.ChatID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) unbindTelegram(c *gin.Context) {
	if !h.requireRegistry(c) {
		return
	}
	plate := utils.NormalizePlate(c.Param("plate"))
	if err := h.owners.UnbindTelegram(c.Request.Context(), plate); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) requireRegistry(c *gin.Context) bool {
	if h.owners == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("owner registry not configured"))
		return false
	}
	return true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, tracker.ErrNotFound), errors.Is(err, repository.ErrOwnerNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, tracker.ErrContention):
		c.JSON(http.StatusServiceUnavailable, errorResponse("store busy, retry later"))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
