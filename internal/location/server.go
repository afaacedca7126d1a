package location

import (
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fixly/internal/booking/domain"
)

// Server implements the LocationServer stream contract.
type Server struct {
	observer *Observer
	logger   *zap.Logger
}

func NewServer(observer *Observer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{observer: observer, logger: logger}
}

// StreamLocation ingests provider heartbeats. Malformed frames are skipped;
// sink failures are logged but keep the stream open, since the next frame
// supersedes the lost one anyway.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var accepted int64
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{Accepted: accepted})
		}
		if err != nil {
			return err
		}
		userID, err := uuid.Parse(msg.UserId)
		if err != nil {
			s.logger.Debug("dropping frame with bad user id", zap.String("user_id", msg.UserId))
			continue
		}
		point := domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}
		if err := s.observer.Update(stream.Context(), userID, point, msg.Accuracy); err != nil {
			s.logger.Warn("heartbeat rejected",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		accepted++
	}
}
