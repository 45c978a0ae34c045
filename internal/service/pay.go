package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"WxPayGateway/internal/model"
	"WxPayGateway/internal/model/dto"
	"WxPayGateway/internal/platform"
	"WxPayGateway/pkg/errors"
	"WxPayGateway/pkg/logger"
)

// PaymentPlatform 由 platform.Client 实现
type PaymentPlatform interface {
	PrepayJSAPI(ctx context.Context, order platform.JSAPIOrder) (string, error)
	RequestPaymentParams(prepayID string) (*platform.RequestPayment, error)
	QueryByOutTradeNo(ctx context.Context, outTradeNo string) (*model.PaymentResult, error)
	QueryByTransactionID(ctx context.Context, transactionID string) (*model.PaymentResult, error)
	CloseOrder(ctx context.Context, outTradeNo string) error
	CreateRefund(ctx context.Context, order platform.RefundOrder) (*platform.Refund, error)
	QueryRefund(ctx context.Context, outRefundNo string) (*platform.Refund, error)
}

// PayService 内部调用方的支付代理，商户凭据只留在网关
type PayService struct {
	platform PaymentPlatform
}

// NewPayService p 为 nil 表示商户凭据未配置，所有接口返回 MerchantNotConfigured
func NewPayService(p PaymentPlatform) *PayService {
	return &PayService{platform: p}
}

func (s *PayService) ready() error {
	if s.platform == nil {
		return errors.MerchantNotConfigured
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errors.InvalidRequest, fmt.Sprintf(format, args...))
}

func (s *PayService) CreatePayment(ctx context.Context, req *dto.CreatePaymentRequest) (*dto.CreatePaymentData, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	req.OutTradeNo = strings.TrimSpace(req.OutTradeNo)
	switch {
	case req.OutTradeNo == "":
		return nil, invalid("out_trade_no is required")
	case strings.TrimSpace(req.Description) == "":
		return nil, invalid("description is required")
	case req.Amount < 1:
		return nil, invalid("amount must be at least 1 fen")
	case req.OpenID == "":
		return nil, invalid("openid is required")
	}
	if req.TimeExpire != "" {
		if _, err := time.Parse(time.RFC3339, req.TimeExpire); err != nil {
			return nil, invalid("time_expire must be RFC3339")
		}
	}

	prepayID, err := s.platform.PrepayJSAPI(ctx, platform.JSAPIOrder{
		OutTradeNo:  req.OutTradeNo,
		Description: req.Description,
		Amount:      req.Amount,
		OpenID:      req.OpenID,
		Attach:      req.Attach,
		TimeExpire:  req.TimeExpire,
	})
	if err != nil {
		logger.Logger.Error("JSAPI prepay failed",
			zap.String("out_trade_no", req.OutTradeNo),
			zap.Error(err),
		)
		return nil, err
	}

	params, err := s.platform.RequestPaymentParams(prepayID)
	if err != nil {
		return nil, err
	}

	logger.Logger.Info("Payment created",
		zap.String("out_trade_no", req.OutTradeNo),
		zap.String("prepay_id", prepayID),
		zap.Int64("amount", req.Amount),
	)

	return &dto.CreatePaymentData{
		OutTradeNo: req.OutTradeNo,
		PrepayID:   prepayID,
		RequestPayment: dto.RequestPaymentParams{
			AppID:     params.AppID,
			TimeStamp: params.TimeStamp,
			NonceStr:  params.NonceStr,
			Package:   params.Package,
			SignType:  params.SignType,
			PaySign:   params.PaySign,
		},
	}, nil
}

// QueryOrder 优先按微信订单号查询
func (s *PayService) QueryOrder(ctx context.Context, req *dto.QueryOrderRequest) (*model.PaymentResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	switch {
	case req.TransactionID != "":
		return s.platform.QueryByTransactionID(ctx, req.TransactionID)
	case req.OutTradeNo != "":
		return s.platform.QueryByOutTradeNo(ctx, req.OutTradeNo)
	default:
		return nil, invalid("out_trade_no or transaction_id is required")
	}
}

func (s *PayService) CloseOrder(ctx context.Context, outTradeNo string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if outTradeNo == "" {
		return invalid("out_trade_no is required")
	}

	if err := s.platform.CloseOrder(ctx, outTradeNo); err != nil {
		logger.Logger.Error("Close order failed", zap.String("out_trade_no", outTradeNo), zap.Error(err))
		return err
	}

	logger.Logger.Info("Order closed", zap.String("out_trade_no", outTradeNo))
	return nil
}

func (s *PayService) Refund(ctx context.Context, req *dto.RefundRequest) (*platform.Refund, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	switch {
	case req.TransactionID == "" && req.OutTradeNo == "":
		return nil, invalid("out_trade_no or transaction_id is required")
	case req.OutRefundNo == "":
		return nil, invalid("out_refund_no is required")
	case req.Amount < 1:
		return nil, invalid("amount must be at least 1 fen")
	case req.TotalAmount < req.Amount:
		return nil, invalid("amount %d exceeds total_amount %d", req.Amount, req.TotalAmount)
	}

	refund, err := s.platform.CreateRefund(ctx, platform.RefundOrder{
		TransactionID: req.TransactionID,
		OutTradeNo:    req.OutTradeNo,
		OutRefundNo:   req.OutRefundNo,
		Reason:        req.Reason,
		Amount:        req.Amount,
		TotalAmount:   req.TotalAmount,
	})
	if err != nil {
		logger.Logger.Error("Refund request failed",
			zap.String("out_refund_no", req.OutRefundNo),
			zap.Error(err),
		)
		return nil, err
	}

	logger.Logger.Info("Refund requested",
		zap.String("out_refund_no", req.OutRefundNo),
		zap.String("refund_id", refund.RefundID),
		zap.String("status", refund.Status),
	)
	return refund, nil
}

func (s *PayService) QueryRefund(ctx context.Context, outRefundNo string) (*platform.Refund, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if outRefundNo == "" {
		return nil, invalid("out_refund_no is required")
	}
	return s.platform.QueryRefund(ctx, outRefundNo)
}
